package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hostimage/hostctl/internal/deploy"
)

// Format selects the output encoding.
type Format string

const (
	FormatYAML          Format = "yaml"
	FormatJSON          Format = "json"
	FormatHumanReadable Format = "humanreadable"
)

// ParseFormat validates a --format value. Empty means YAML.
func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case "":
		return FormatYAML, nil
	case FormatYAML, FormatJSON, FormatHumanReadable:
		return f, nil
	default:
		return "", deploy.Errorf(deploy.KindConfig, "parse format", "unknown status format %q (yaml, json, humanreadable)", value)
	}
}

// Render writes host to w in the given format.
func Render(w io.Writer, host Host, format Format) error {
	switch format {
	case "", FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(host); err != nil {
			return fmt.Errorf("encode status yaml: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(host); err != nil {
			return fmt.Errorf("encode status json: %w", err)
		}
		return nil
	case FormatHumanReadable:
		return renderHuman(w, host)
	default:
		return deploy.Errorf(deploy.KindConfig, "render status", "unknown status format %q", format)
	}
}

func renderHuman(w io.Writer, host Host) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	st := host.Status
	if st.Booted == nil && st.Staged == nil && st.Rollback == nil {
		fmt.Fprintln(tw, "System is not deployed via hostctl.")
		return tw.Flush()
	}
	section := func(title string, e *Entry) {
		if e == nil {
			return
		}
		fmt.Fprintf(tw, "%s\t%s\n", title+":", e.Image.String())
		fmt.Fprintf(tw, "  Digest:\t%s\n", e.ImageDigest)
		if e.Version != "" {
			fmt.Fprintf(tw, "  Version:\t%s (%s)\n", e.Version, e.Timestamp.UTC().Format(time.RFC3339))
		} else if !e.Timestamp.IsZero() {
			fmt.Fprintf(tw, "  Timestamp:\t%s\n", e.Timestamp.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "  Deployment:\t%s\n", e.ID)
		if e.Pinned {
			fmt.Fprintln(tw, "  Pinned:\tyes")
		}
		if title != "Booted image" {
			fmt.Fprintf(tw, "  Soft reboot:\t%s\n", yesNo(e.SoftRebootCapable))
		}
	}
	section("Staged image", st.Staged)
	section("Booted image", st.Booted)
	section("Rollback image", st.Rollback)
	for i := range st.OtherDeployments {
		section("Other image", &st.OtherDeployments[i])
	}
	if st.RollbackQueued {
		fmt.Fprintln(tw, "Rollback is queued for the next boot.")
	}
	return tw.Flush()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
