package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pxeprov/pkg/render"
	"pxeprov/services/provisioner/internal/confgen"
	"pxeprov/services/provisioner/internal/filewriter"
)

func newRenderCommand(g *globalOptions) *cobra.Command {
	var (
		outputDir string
		only      string
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the configuration documents without touching the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, shutdown, err := g.telemetry(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			s, err := g.settings(ctx, nil)
			if err != nil {
				return err
			}
			cfg, _, err := systemResolver(t.Logger).resolve(ctx, s)
			if err != nil {
				return err
			}

			engine, err := render.New()
			if err != nil {
				return err
			}
			renderer, err := confgen.NewRenderer(engine)
			if err != nil {
				return err
			}
			docs, err := renderer.Render(cfg)
			if err != nil {
				return err
			}
			if only != "" {
				doc, ok := confgen.Find(docs, only)
				if !ok {
					return fmt.Errorf("unknown document %q", only)
				}
				docs = []confgen.Document{doc}
			}

			out := cmd.OutOrStdout()
			if outputDir == "" {
				for _, d := range docs {
					if len(docs) > 1 {
						fmt.Fprintf(out, "# ==> %s (%s) <==\n", d.Path, d.Name)
					}
					fmt.Fprint(out, d.Content)
				}
				return nil
			}

			writer, err := filewriter.New(filewriter.Dir{Root: outputDir}, filewriter.WithLogger(t.Logger))
			if err != nil {
				return err
			}
			results, err := writer.WriteAll(docs)
			for _, r := range results {
				fmt.Fprintf(out, "%-8s %s\n", r.Action, r.Path)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "write the documents under this directory instead of stdout")
	cmd.Flags().StringVar(&only, "only", "", "render a single document (dhcpd, dhcp-defaults, tftpd, samba, boot-menu)")
	return cmd
}
