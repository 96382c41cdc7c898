package cli

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/status"
)

// editDocument accepts either a status document or a bare host spec.
type editDocument struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Spec       *deploy.HostSpec `yaml:"spec"`
}

// newEditCommand creates the "edit" subcommand that applies a full desired host spec.
func newEditCommand(opts *Options) *cobra.Command {
	var filename string

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Apply a desired host spec (only the image and the boot order may change)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				data []byte
				err  error
			)
			if filename == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(filename)
			}
			if err != nil {
				return deploy.Wrap(deploy.KindConfig, "edit", err)
			}
			spec, err := parseEditDocument(data)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd, opts)
			if err != nil {
				return err
			}
			res, err := rt.engine.Edit(cmd.Context(), spec)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "edit", res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&filename, "filename", "f", "", "Host spec or status document to apply (- reads stdin)")
	_ = cmd.MarkFlagRequired("filename")

	return cmd
}

func parseEditDocument(data []byte) (deploy.HostSpec, error) {
	var doc editDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return deploy.HostSpec{}, deploy.Errorf(deploy.KindConfig, "edit", "parse document: %v", err)
	}
	if doc.APIVersion == "" && doc.Spec == nil {
		var spec deploy.HostSpec
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
			return deploy.HostSpec{}, deploy.Errorf(deploy.KindConfig, "edit", "parse host spec: %v", err)
		}
		return spec, nil
	}
	if doc.APIVersion != status.APIVersion {
		return deploy.HostSpec{}, deploy.Errorf(deploy.KindConfig, "edit", "unsupported apiVersion %q", doc.APIVersion)
	}
	if doc.Spec == nil {
		return deploy.HostSpec{}, deploy.Errorf(deploy.KindConfig, "edit", "document has no spec")
	}
	return *doc.Spec, nil
}
