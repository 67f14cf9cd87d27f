package config

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// Report renders a human-readable summary of the effective config with
// secrets masked. Used by the doctor command.
func (c *Config) Report() string {
	m := c.MaskedCopy()

	rows := [][2]string{
		{"worker command", m.Worker.Command},
		{"worker timeout", fmt.Sprintf("%ds", m.Worker.TimeoutSeconds)},
		{"default model", m.Router.DefaultModel},
		{"prefer fast", fmt.Sprintf("%v", m.Router.PreferFast)},
		{"oauth", fmt.Sprintf("%v", m.Auth.OAuthEnabled)},
		{"api key", presence(c.Auth.APIKey)},
		{"enterprise key", presence(c.Auth.Enterprise.Key)},
		{"aggregator key", presence(c.Auth.MarketplaceKey)},
		{"cache", onOff(m.Cache.Enabled, fmt.Sprintf("%d entries, %dm ttl", m.Cache.MaxEntries, m.Cache.TTLMinutes))},
		{"agent mode", onOff(m.Agent.Enabled, fmt.Sprintf("%d iterations, %dm deadline", m.Agent.MaxIterations, m.Agent.TimeoutMinutes))},
		{"cost limit/day", costLimit(m.CostLimitPerDay)},
		{"gateway", fmt.Sprintf("%s:%d", m.Gateway.Host, m.Gateway.Port)},
		{"store dsn", presence(c.Store.DSN)},
		{"telemetry", onOff(m.Telemetry.Enabled, m.Telemetry.Endpoint)},
		{"log", fmt.Sprintf("%s/%s", m.Log.Level, m.Log.Format)},
	}

	labelWidth := 0
	for _, r := range rows {
		if w := runewidth.StringWidth(r[0]); w > labelWidth {
			labelWidth = w
		}
	}

	var b strings.Builder
	b.WriteString("models:\n")
	for _, spec := range m.Models {
		name := runewidth.FillRight(spec.Name, 28)
		fmt.Fprintf(&b, "  %s tier %d  $%.2f/$%.2f per 1M\n", name, spec.Tier, spec.InputPrice, spec.OutputPrice)
	}
	b.WriteString("settings:\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "  %s  %s\n", runewidth.FillRight(r[0], labelWidth), r[1])
	}
	return b.String()
}

func presence(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	return "set (" + secretMask + ")"
}

func onOff(enabled bool, detail string) string {
	if !enabled {
		return "off"
	}
	if detail == "" {
		return "on"
	}
	return "on (" + detail + ")"
}

func costLimit(v float64) string {
	if v <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("$%.2f", v)
}
