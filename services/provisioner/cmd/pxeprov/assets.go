package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	gos3 "pxeprov/pkg/s3"
	"pxeprov/pkg/telemetry"
	"pxeprov/services/bundler"
	"pxeprov/services/provisioner/internal/config"
)

const (
	treeWeb  = "web"
	treeTFTP = "tftp"
)

func newAssetsCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Offline asset bundle operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newAssetsBundleCommand(g))
	cmd.AddCommand(newAssetsImportCommand(g))
	cmd.AddCommand(newAssetsKeygenCommand())
	return cmd
}

// roots returns the web and TFTP roots from settings without running network discovery.
func (g *globalOptions) roots(ctx context.Context) (web, tftp, ipxeDir string, err error) {
	s, err := g.settings(ctx, nil)
	if err != nil {
		return "", "", "", err
	}
	return firstSet(s.Paths.WebRoot, config.DefaultWebRoot), firstSet(s.Paths.TFTPRoot, config.DefaultTFTPRoot), config.DefaultIPXEDir, nil
}

func s3Client(ctx context.Context, t *telemetry.Telemetry, urls ...string) (bundler.ObjectStore, error) {
	for _, u := range urls {
		if gos3.IsURL(u) {
			client, err := gos3.NewClientFromEnv(ctx, t.HTTPClient(30*time.Minute))
			if err != nil {
				return nil, fmt.Errorf("s3 client: %w", err)
			}
			return client, nil
		}
	}
	return nil, nil
}

func newAssetsBundleCommand(g *globalOptions) *cobra.Command {
	var (
		output string
		upload string
	)

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Create a signed bundle of the installed boot assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, shutdown, err := g.telemetry(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			web, tftp, ipxeDir, err := g.roots(ctx)
			if err != nil {
				return err
			}
			store, err := s3Client(ctx, t, upload)
			if err != nil {
				return err
			}
			_, err = bundler.Build(ctx, bundler.BuildConfig{
				Trees: []bundler.Tree{
					{Name: treeWeb, Dir: web, Include: ipxeDir},
					{Name: treeTFTP, Dir: tftp},
				},
				Output: output,
				Upload: upload,
				S3:     store,
				Signer: signer,
				Stdout: cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "destination bundle file (tar.zst)")
	cmd.Flags().StringVar(&upload, "upload", "", "optional s3://bucket/key the bundle is copied to")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newAssetsImportCommand(g *globalOptions) *cobra.Command {
	var (
		bundleFile string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed bundle and install its assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, shutdown, err := g.telemetry(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			web, tftp, _, err := g.roots(ctx)
			if err != nil {
				return err
			}
			store, err := s3Client(ctx, t, bundleFile)
			if err != nil {
				return err
			}
			_, err = bundler.Import(ctx, bundler.ImportConfig{
				BundlePath: bundleFile,
				Trees:      map[string]string{treeWeb: web, treeTFTP: tftp},
				S3:         store,
				Signer:     signer,
				DryRun:     dryRun,
				Stdout:     cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "bundle tar.zst path or s3://bucket/key")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "verify and list files without installing them")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newAssetsKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a bundle signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, verify, err := bundler.GenerateKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s=%s\n", bundler.EnvSigningKey, secret)
			fmt.Fprintf(out, "%s=%s\n", bundler.EnvVerifyKey, verify)
			fmt.Fprintln(cmd.ErrOrStderr(), "Keep the signing key secret; import hosts only need the verify key.")
			return nil
		},
	}
}
