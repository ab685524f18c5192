package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	pluginIDPattern      = regexp.MustCompile(`^[a-z][a-z0-9_]+$`)
	dashboardNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// ValidatePlugins checks the plugin contract at startup and reports every
// violation it finds.
func ValidatePlugins(plugins []Plugin) error {
	var errs []error
	seen := make(map[string]bool)
	for _, plugin := range plugins {
		id := plugin.ID()
		if !pluginIDPattern.MatchString(id) {
			errs = append(errs, fmt.Errorf("plugin id %q does not match %s", id, pluginIDPattern))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("duplicate plugin id: %s", id))
			continue
		}
		seen[id] = true
		errs = append(errs, validatePlugin(id, plugin)...)
	}
	return errors.Join(errs...)
}

func validatePlugin(id string, plugin Plugin) []error {
	var errs []error
	manifest := plugin.Manifest()
	if manifest.PluginID != id {
		errs = append(errs, fmt.Errorf("plugin id mismatch: id=%q manifest=%q", id, manifest.PluginID))
	}
	if manifest.DisplayName == "" || manifest.Version == "" {
		errs = append(errs, fmt.Errorf("plugin %q: manifest needs a display name and version", id))
	}

	prefix := "gohome.plugins." + id + "."
	services := make(map[string]bool, len(manifest.Services))
	for _, svc := range manifest.Services {
		if !strings.HasPrefix(svc, prefix) {
			errs = append(errs, fmt.Errorf("plugin %q: service %q must live under %s", id, svc, prefix))
		}
		if services[svc] {
			errs = append(errs, fmt.Errorf("plugin %q: service %q listed twice", id, svc))
		}
		services[svc] = true
	}

	for _, dash := range plugin.Dashboards() {
		if !dashboardNamePattern.MatchString(dash.Name) {
			errs = append(errs, fmt.Errorf("plugin %q: dashboard name %q is not a file name", id, dash.Name))
		}
		if !json.Valid(dash.JSON) {
			errs = append(errs, fmt.Errorf("plugin %q: dashboard %q is not valid JSON", id, dash.Name))
		}
	}

	if decl := plugin.OAuthDeclaration(); decl.Provider != "" && decl.Provider != id {
		errs = append(errs, fmt.Errorf("plugin %q declares oauth provider %q", id, decl.Provider))
	}
	return errs
}
