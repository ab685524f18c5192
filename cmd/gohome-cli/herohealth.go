package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/joshp123/gohome-herohealth/plugins/herohealth"
	"google.golang.org/grpc"
)

func herohealthCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	if len(args) == 0 {
		herohealthUsage()
		os.Exit(2)
	}

	call := func(method string) map[string]any {
		resp, err := core.InvokeStruct(ctx, conn, herohealth.ServiceName, method, nil)
		if err != nil {
			fatal("herohealth "+args[0], err)
		}
		return resp
	}

	switch args[0] {
	case "status", "refresh":
		method := "GetStatus"
		if args[0] == "refresh" {
			method = "Refresh"
		}
		resp := call(method)
		if out.json {
			out.printJSON(resp)
			return
		}
		printStatus(resp)
	case "slots":
		resp := call("ListSlots")
		slots := items(resp, "slots")
		if len(args) > 1 {
			names := make(map[string]string, len(slots))
			for _, slot := range slots {
				names[text(slot, "pill_name")] = text(slot, "slot_index")
			}
			index, err := resolveNamedID("pill", args[1], names)
			if err != nil {
				fatal("herohealth slots", err)
			}
			filtered := slots[:0]
			for _, slot := range slots {
				if text(slot, "slot_index") == index {
					filtered = append(filtered, slot)
				}
			}
			slots = filtered
		}
		if out.json {
			out.printJSON(map[string]any{"slots": slots})
			return
		}
		rows := [][]string{{"SLOT", "PILL", "PILLS", "DAYS", "PER DAY"}}
		for _, slot := range slots {
			rows = append(rows, []string{text(slot, "slot_index"), text(slot, "pill_name"), text(slot, "pills_remaining"), text(slot, "remaining_days"), text(slot, "pills_per_day")})
		}
		out.table(rows)
	case "doses":
		resp := call("ListDoses")
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"TIME", "STATUS", "PILLS"}}
		for _, dose := range items(resp, "doses") {
			rows = append(rows, []string{text(dose, "time"), text(dose, "status"), text(dose, "pills")})
		}
		out.table(rows)
	case "entities":
		resp := call("ListEntities")
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"ENTITY", "STATE", "UNIT", "AVAILABLE"}}
		for _, e := range items(resp, "entities") {
			state := text(e, "state")
			if available, _ := e["available"].(bool); !available {
				state = "unavailable"
			}
			rows = append(rows, []string{text(e, "entity_id"), state, text(e, "unit"), text(e, "available")})
		}
		out.table(rows)
	case "account":
		resp := call("GetAccount")
		out.printJSON(resp)
	default:
		herohealthUsage()
		os.Exit(2)
	}
}

func printStatus(resp map[string]any) {
	fmt.Printf("ACCOUNT:       %s\n", text(resp, "account_id"))
	fmt.Printf("POLLS:         %s\n", text(resp, "polls"))
	fmt.Printf("LAST SUCCESS:  %s\n", text(resp, "last_success"))
	fmt.Printf("REACHABLE:     %s\n", text(resp, "reachable"))
	fmt.Printf("DEVICE ONLINE: %s\n", text(resp, "device_online"))
	fmt.Printf("REAUTH:        %s\n", text(resp, "reauth_required"))
	if msg := text(resp, "last_error"); msg != "-" {
		fmt.Printf("LAST ERROR:    %s\n", msg)
	}
	if msg := text(resp, "refresh_error"); msg != "-" {
		fmt.Printf("REFRESH ERROR: %s\n", msg)
	}
	sources, _ := resp["sources"].(map[string]any)
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return
	}
	rows := [][]string{{"SOURCE", "OK", "DATA", "ERROR"}}
	for _, name := range names {
		src, _ := sources[name].(map[string]any)
		rows = append(rows, []string{name, text(src, "ok"), text(src, "has_data"), text(src, "error")})
	}
	fmt.Println()
	outputMode{}.table(rows)
}

func herohealthUsage() {
	fmt.Println("gohome-cli herohealth <command> [--json]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  status")
	fmt.Println("  refresh")
	fmt.Println("  slots [pill]")
	fmt.Println("  doses")
	fmt.Println("  entities")
	fmt.Println("  account")
}
