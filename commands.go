package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"psdconverter/config"
	"psdconverter/models"
	"psdconverter/services"
	"psdconverter/worker"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func newConvertCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <input.psd> [output.png]",
		Short: "Convert a single file without starting the server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			input := args[0]
			output := strings.TrimSuffix(input, filepath.Ext(input)) + ".png"
			if len(args) == 2 {
				output = args[1]
			}

			// One-off conversions stage in a private scratch area rather
			// than the server's roots.
			scratch, err := os.MkdirTemp("", "psdconverter-*")
			if err != nil {
				return fmt.Errorf("create scratch dir: %w", err)
			}
			defer os.RemoveAll(scratch)

			storage := services.NewStorageArea(filepath.Join(scratch, "uploads"), filepath.Join(scratch, "converted"), logger)
			if err := storage.Init(); err != nil {
				return err
			}

			orch := worker.New(worker.Config{
				Storage: storage,
				Invoker: services.NewConverterInvoker(cfg.ConverterBinary, cfg.ConverterArgs, logger),
				Gate:    worker.NewLocalGate(1, 0),
				Limits: worker.Limits{
					MaxFileSize: cfg.MaxFileSize,
					MaxPixels:   cfg.MaxPixels,
					Timeout:     cfg.Timeout(),
				},
				Logger: logger,
			})

			src, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer src.Close()
			info, err := src.Stat()
			if err != nil {
				return fmt.Errorf("stat input: %w", err)
			}

			result, err := orch.Convert(cmd.Context(), worker.Upload{
				Filename: filepath.Base(input),
				Size:     info.Size(),
				Body:     src,
			}, func(_ models.StagedFile, r io.Reader) error {
				return writeFileAtomic(output, r)
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s in %s)\n",
				input, output, humanize.IBytes(uint64(result.ByteSize)), result.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

// writeFileAtomic writes r to path through a temp file in the same directory.
func writeFileAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".psdconverter-*.png")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod output: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func newConfigCommand(configPath *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			data, err := toml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(*configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	})

	return configCmd
}
