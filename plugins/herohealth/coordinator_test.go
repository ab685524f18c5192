package herohealth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/oauth"
)

func TestCoordinatorPoll(t *testing.T) {
	api, server := newFakeAPI(t)
	sink := &recordingSink{}
	tokens := &fakeTokens{token: "tok", subject: "42"}
	c := newTestCoordinator(t, server.URL, tokens, sink)

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if snap.Polls != 1 || !snap.Reachable || snap.Reauth {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.AccountID != "42" {
		t.Fatalf("expected account id from oauth subject, got %q", snap.AccountID)
	}
	if failed := snap.FailedSources(); len(failed) != 0 {
		t.Fatalf("unexpected failed sources: %v", failed)
	}
	if len(snap.Remaining) != 3 {
		t.Fatalf("expected remaining days for 3 slots, got %d", len(snap.Remaining))
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 sink update, got %d", sink.count())
	}
	if tokens.reloads != 1 {
		t.Fatalf("expected oauth state reload before poll, got %d", tokens.reloads)
	}
	if api.hitCount(pathRemaining+"?slot_index=2") != 1 {
		t.Fatalf("remaining days not fetched for slot 2")
	}

	entities := c.Entities()
	if e := findEntity(t, entities, "doses_taken_today"); !e.Available || e.Value != 1 {
		t.Fatalf("unexpected doses_taken_today: %+v", e)
	}
}

func TestCoordinatorKeepsLastDataOnTransportErrors(t *testing.T) {
	api, server := newFakeAPI(t)
	c := newTestCoordinator(t, server.URL, &fakeTokens{token: "tok"})
	ctx := context.Background()

	if _, err := c.Refresh(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	api.set(pathDoses, http.StatusInternalServerError, `oops`)
	api.set(pathEvents, http.StatusOK, `<html>maintenance</html>`)
	api.set(pathRemaining+"?slot_index=1", http.StatusServiceUnavailable, ``)

	snap, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("second poll should succeed partially: %v", err)
	}
	if len(snap.Doses) != 4 {
		t.Fatalf("doses should be kept after a server error, got %d", len(snap.Doses))
	}
	doses := snap.Sources[SourceDoses]
	if doses.OK || !doses.HasData {
		t.Fatalf("unexpected doses status: %+v", doses)
	}
	events := snap.Sources[SourceEvents]
	if events.OK || events.HasData {
		t.Fatalf("unreadable events should drop data: %+v", events)
	}
	if days := snap.Remaining[1]; days.Days == nil || *days.Days != 15 {
		t.Fatalf("remaining days for slot 1 should be kept: %+v", days)
	}

	entities := c.Entities()
	if !findEntity(t, entities, "next_dose").Available {
		t.Fatalf("next_dose should stay available on last known data")
	}
	if findEntity(t, entities, "last_event").Available {
		t.Fatalf("last_event should be unavailable after a decode error")
	}
}

func TestCoordinatorUnreachable(t *testing.T) {
	api, server := newFakeAPI(t)
	c := newTestCoordinator(t, server.URL, &fakeTokens{token: "tok"})
	ctx := context.Background()

	if _, err := c.Refresh(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	api.failAll(http.StatusServiceUnavailable)

	snap, err := c.Refresh(ctx)
	if err == nil {
		t.Fatalf("expected unreachable error")
	}
	if snap.Reachable || snap.Reauth {
		t.Fatalf("unexpected snapshot flags: reachable=%v reauth=%v", snap.Reachable, snap.Reauth)
	}

	for _, e := range c.Entities() {
		switch e.Key {
		case "device_online":
			if !e.Available || e.State() != "OFF" {
				t.Fatalf("device_online should be available and off: %+v", e)
			}
		case "reauth_required":
		default:
			if e.Available {
				t.Fatalf("%s should be unavailable", e.Key)
			}
		}
	}
}

func TestCoordinatorReauthLatch(t *testing.T) {
	_, server := newFakeAPI(t)
	tokens := &fakeTokens{token: "tok"}
	c := newTestCoordinator(t, server.URL, tokens)
	ctx := context.Background()

	tokens.setErr(fmt.Errorf("refresh rejected: %w", oauth.ErrReauthRequired))
	for i := 0; i < 3; i++ {
		snap, err := c.Refresh(ctx)
		if err == nil {
			t.Fatalf("poll %d: expected error", i)
		}
		if !snap.Reauth {
			t.Fatalf("poll %d: expected reauth flag", i)
		}
		if snap.Prompts != 1 {
			t.Fatalf("poll %d: expected one prompt per episode, got %d", i, snap.Prompts)
		}
	}
	if e := findEntity(t, c.Entities(), "reauth_required"); e.State() != "ON" {
		t.Fatalf("reauth_required should be on, got %s", e.State())
	}

	tokens.setErr(nil)
	snap, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("recovery poll: %v", err)
	}
	if snap.Reauth || snap.Prompts != 1 {
		t.Fatalf("episode should end without a new prompt: %+v", snap)
	}

	tokens.setErr(oauth.ErrReauthRequired)
	snap, _ = c.Refresh(ctx)
	if snap.Prompts != 2 {
		t.Fatalf("new episode should prompt again, got %d", snap.Prompts)
	}
	if tokens.reloads != 5 {
		t.Fatalf("expected a reload before every poll, got %d", tokens.reloads)
	}
}

func TestCoordinatorAllSources401IsAuthFailure(t *testing.T) {
	api, server := newFakeAPI(t)
	api.reject("tok")
	tokens := &fakeTokens{token: "tok"}
	c := newTestCoordinator(t, server.URL, tokens)

	snap, err := c.Refresh(context.Background())
	if err == nil || !snap.Reauth {
		t.Fatalf("expected reauth, got %v %+v", err, snap)
	}
	if snap.Prompts != 1 {
		t.Fatalf("expected one prompt, got %d", snap.Prompts)
	}
}

func TestCoordinatorTokenEndpointDown(t *testing.T) {
	_, server := newFakeAPI(t)
	tokens := &fakeTokens{token: "tok", err: errors.New("token endpoint: 502")}
	c := newTestCoordinator(t, server.URL, tokens)

	snap, err := c.Refresh(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if snap.Reauth || snap.Reachable {
		t.Fatalf("transient token failure should be unreachable, not reauth: %+v", snap)
	}
}

func TestCoordinatorRefreshCoalesces(t *testing.T) {
	api, server := newFakeAPI(t)
	c := newTestCoordinator(t, server.URL, &fakeTokens{token: "tok"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh: %v", err)
			}
		}()
	}
	wg.Wait()

	polls := c.Snapshot().Polls
	if polls < 1 || polls > 5 {
		t.Fatalf("unexpected poll count %d", polls)
	}
	if hits := api.hitCount(pathDoses); hits != polls {
		t.Fatalf("expected one doses request per poll, got %d requests for %d polls", hits, polls)
	}
}

func TestCoordinatorDropsVanishedSlots(t *testing.T) {
	api, server := newFakeAPI(t)
	c := newTestCoordinator(t, server.URL, &fakeTokens{token: "tok"})
	ctx := context.Background()

	if _, err := c.Refresh(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	api.set(pathSlots, http.StatusOK, `[{"slot_index":1,"pill_name":"Aspirin","pills_remaining":29}]`)

	snap, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(snap.Remaining) != 1 {
		t.Fatalf("expected only slot 1 to remain, got %v", snap.Remaining)
	}
	for _, e := range c.Entities() {
		if e.Key == "pill_remaining_days_2" || e.Key == "pill_remaining_days_3" {
			t.Fatalf("vanished slot still exposed: %s", e.Key)
		}
	}
}

func TestCoordinatorUnreachableKeepsReauthLatch(t *testing.T) {
	api, server := newFakeAPI(t)
	tokens := &fakeTokens{token: "tok"}
	c := newTestCoordinator(t, server.URL, tokens)
	ctx := context.Background()

	tokens.setErr(oauth.ErrReauthRequired)
	if snap, _ := c.Refresh(ctx); !snap.Reauth {
		t.Fatalf("expected reauth after rejected token")
	}

	tokens.setErr(errors.New("token endpoint: 502"))
	api.failAll(http.StatusBadGateway)
	snap, err := c.Refresh(ctx)
	if err == nil {
		t.Fatalf("expected unreachable error")
	}
	if !snap.Reauth || snap.Reachable || snap.Prompts != 1 {
		t.Fatalf("network failure must not end the episode: reauth=%v reachable=%v prompts=%d",
			snap.Reauth, snap.Reachable, snap.Prompts)
	}
	if e := findEntity(t, c.Entities(), "reauth_required"); e.State() != "ON" {
		t.Fatalf("reauth_required should stay on, got %s", e.State())
	}

	tokens.setErr(oauth.ErrReauthRequired)
	if snap, _ := c.Refresh(ctx); snap.Prompts != 1 {
		t.Fatalf("same episode should not prompt again, got %d", snap.Prompts)
	}
}

func TestCoordinatorUnreadableSlotData(t *testing.T) {
	api, server := newFakeAPI(t)
	c := newTestCoordinator(t, server.URL, &fakeTokens{token: "tok"})
	ctx := context.Background()

	if _, err := c.Refresh(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	api.set(pathRemaining+"?slot_index=2", http.StatusOK, `<html>maintenance</html>`)
	snap, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	failed := snap.FailedSources()
	if len(failed) != 1 || failed[0] != "remaining_days[2]" {
		t.Fatalf("expected remaining_days[2] to be reported, got %v", failed)
	}
	entities := c.Entities()
	if e := findEntity(t, entities, "pill_remaining_days_2"); e.Available {
		t.Fatalf("unreadable remaining days should be unavailable: %+v", e)
	}
	if e := findEntity(t, entities, "pill_remaining_days_1"); !e.Available || e.State() != "15" {
		t.Fatalf("slot 1 should be unaffected: %+v", e)
	}

	api.set(pathSlots, http.StatusOK, `<html>maintenance</html>`)
	if _, err := c.Refresh(ctx); err != nil {
		t.Fatalf("third poll: %v", err)
	}
	for _, key := range []string{"pill_remaining_days_1", "pill_remaining_days_2", "pill_remaining_days_3"} {
		if e := findEntity(t, c.Entities(), key); e.Available {
			t.Fatalf("%s should be unavailable while taken slots is unreadable", key)
		}
	}
}

func TestCoordinatorRemainingDaysFailureDegrades(t *testing.T) {
	api, server := newFakeAPI(t)
	c := newTestCoordinator(t, server.URL, &fakeTokens{token: "tok"})
	ctx := context.Background()

	if _, err := c.Refresh(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	api.set(pathRemaining+"?slot_index=1", http.StatusTooManyRequests, ``)
	snap, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	failed := snap.FailedSources()
	if len(failed) != 1 || failed[0] != "remaining_days[1]" {
		t.Fatalf("expected remaining_days[1] to be reported, got %v", failed)
	}
	if e := findEntity(t, c.Entities(), "pill_remaining_days_1"); !e.Available || e.State() != "15" {
		t.Fatalf("last value should be kept on a transport error: %+v", e)
	}
}

func TestCoordinatorShutdownCancelsPoll(t *testing.T) {
	var (
		started   = make(chan struct{})
		cancelled = make(chan struct{}, len(primarySources)+MaxSlots)
		once      sync.Once
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-r.Context().Done()
		cancelled <- struct{}{}
	}))
	t.Cleanup(server.Close)

	c := newTestCoordinator(t, server.URL, &fakeTokens{token: "tok"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("poll never reached the api")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatalf("in-flight requests were not cancelled")
	}
	if polls := c.Snapshot().Polls; polls != 0 {
		t.Fatalf("interrupted poll should not be committed, got %d polls", polls)
	}
}
