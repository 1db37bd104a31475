package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/doctrack/attachment"
	"github.com/c360studio/doctrack/config"
	"github.com/c360studio/doctrack/document"
	"github.com/c360studio/doctrack/forms"
)

// selectionFlags binds the document selection flags shared by show and
// watch.
func selectionFlags(cmd *cobra.Command) *document.Selection {
	sel := &document.Selection{}
	cmd.Flags().StringVar(&sel.Year, "year", "", "Document year")
	cmd.Flags().StringVar(&sel.TrackingNumber, "tn", "", "Tracking number")
	cmd.Flags().StringVar(&sel.DocumentType, "doc-type", "", "Document type (used when --tracking-type is empty)")
	cmd.Flags().StringVar(&sel.TrackingType, "tracking-type", "", "Tracking type (PR, PO, PX)")
	cmd.Flags().IntVar(&sel.Index, "index", 0, "Position of the document in the caller's list")
	return sel
}

func showCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show every detail section of a document",
	}
	sel := selectionFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := g.app(ctx, cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		v := app.documents.Select(ctx, sel)
		if err := v.Wait(ctx); err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), v.Report())
	}
	return cmd
}

// formsCatalog is the output of `doctrack forms` without arguments.
type formsCatalog struct {
	Catalog        []forms.FormType                        `json:"catalog"`
	ByTrackingType map[forms.TrackingType][]forms.FormType `json:"by_tracking_type"`
}

func formsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forms [TRACKING_TYPE|FORM]",
		Short: "List the attachment forms of a tracking type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				list, err := forms.FormsFor(args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), list)
			}

			out := formsCatalog{
				Catalog:        forms.Catalog,
				ByTrackingType: make(map[forms.TrackingType][]forms.FormType),
			}
			for _, tt := range []forms.TrackingType{forms.TrackingPR, forms.TrackingPO, forms.TrackingPX} {
				list, err := forms.FormsFor(string(tt))
				if err != nil {
					return err
				}
				out.ByTrackingType[tt] = list
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}

func attachmentsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "attachments",
		Aliases: []string{"att"},
		Short:   "List, upload and remove attachments",
	}
	cmd.AddCommand(
		attachmentsListCmd(g),
		attachmentsIndexCmd(g),
		attachmentsUploadCmd(g),
		attachmentsRemoveCmd(g),
	)
	return cmd
}

func attachmentsListCmd(g *globals) *cobra.Command {
	var year, tn, trackingType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the attachments of a document across its forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := g.app(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.attachments.ForDocument(ctx, year, tn, trackingType)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().StringVar(&year, "year", "", "Document year")
	cmd.Flags().StringVar(&tn, "tn", "", "Tracking number")
	cmd.Flags().StringVar(&trackingType, "type", "", "Tracking type (PR, PO, PX) or a single form name")
	return cmd
}

func attachmentsIndexCmd(g *globals) *cobra.Command {
	var year, office string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Summarize attachments of every document in an office",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := g.app(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if office == "" {
				office = app.User().OfficeCode
			}
			return writeJSON(cmd.OutOrStdout(), app.attachments.OfficeIndex(ctx, year, office))
		},
	}

	cmd.Flags().StringVar(&year, "year", "", "Document year")
	cmd.Flags().StringVar(&office, "office", "", "Office code (defaults to the session user's office)")
	return cmd
}

func attachmentsUploadCmd(g *globals) *cobra.Command {
	var year, tn, form, employee string

	cmd := &cobra.Command{
		Use:   "upload PATTERN...",
		Short: "Upload files to one form of a document",
		Long: `Upload files to one form of a document.

Each argument is a file path or a glob pattern; ** matches across
directories (e.g. "scans/**/*.pdf").`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandFiles(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := g.app(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if employee == "" {
				employee = app.User().EmployeeNumber
			}

			resp, err := app.attachments.Upload(ctx, attachment.UploadRequest{
				Files:          files,
				Year:           year,
				TrackingNumber: tn,
				FormType:       form,
				EmployeeNumber: employee,
			}, attachment.Callbacks{})
			return writeMutation(cmd.OutOrStdout(), resp, err)
		},
	}

	cmd.Flags().StringVar(&year, "year", "", "Document year")
	cmd.Flags().StringVar(&tn, "tn", "", "Tracking number")
	cmd.Flags().StringVar(&form, "form", "", "Form name (e.g. \"OBR Form\")")
	cmd.Flags().StringVar(&employee, "employee", "", "Uploader employee number (defaults to the session user)")
	return cmd
}

func attachmentsRemoveCmd(g *globals) *cobra.Command {
	var (
		year, tn, form string
		yes            bool
	)

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove every attachment of one form of a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				prompt := fmt.Sprintf("Remove all %q attachments of %s/%s? [y/N]: ", form, year, tn)
				if !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), prompt) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Aborted.")
					return nil
				}
			}

			ctx := cmd.Context()
			app, err := g.app(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			resp, err := app.attachments.Remove(ctx, attachment.RemoveRequest{
				Year:           year,
				TrackingNumber: tn,
				FormType:       form,
			}, attachment.Callbacks{})
			return writeMutation(cmd.OutOrStdout(), resp, err)
		},
	}

	cmd.Flags().StringVar(&year, "year", "", "Document year")
	cmd.Flags().StringVar(&tn, "tn", "", "Tracking number")
	cmd.Flags().StringVar(&form, "form", "", "Form name (e.g. \"OBR Form\")")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func watchCmd(g *globals) *cobra.Command {
	var (
		interval time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll a document and print a report after every refresh",
		Long: `Poll a document and print one JSON report per line after every
refresh. Results younger than query.stale_time are served from the cache.
When metrics.addr is set, Prometheus metrics are served there.`,
	}
	sel := selectionFlags(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Polling interval")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many reports (0 = until interrupted)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if interval <= 0 {
			return errors.New("--interval must be positive")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := g.app(ctx, cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			return app.ServeMetrics(ctx)
		})
		eg.Go(func() error {
			defer cancel()
			return poll(ctx, app, sel, interval, count, cmd.OutOrStdout())
		})
		return eg.Wait()
	}
	return cmd
}

// poll prints a report each time the battery settles, refreshing every
// interval until ctx ends or count reports were written.
func poll(ctx context.Context, app *App, sel *document.Selection, interval time.Duration, count int, w io.Writer) error {
	enc := json.NewEncoder(w)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	v := app.documents.Select(ctx, sel)
	for n := 1; ; n++ {
		if err := v.Wait(ctx); err != nil {
			return nil
		}
		if err := enc.Encode(v.Report()); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		if count > 0 && n >= count {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		v = app.documents.Refresh(ctx)
	}
}

func configCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the resolved configuration as YAML",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := g.loadConfig(newLogger(cmd.ErrOrStderr(), g.logLevel))
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(cfg)
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default user config if none exists",
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := config.NewLoader(newLogger(cmd.ErrOrStderr(), g.logLevel)).EnsureUserConfig()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)
	return cmd
}

func cacheCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the persisted query cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete every mirrored query result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := g.app(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if app.persister == nil {
				return errors.New("cache mirror is not enabled (set cache.enabled)")
			}
			n, err := app.persister.Purge(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
		},
	})
	return cmd
}

// expandFiles resolves each pattern with doublestar and returns the
// matches in order, without duplicates. A pattern matching nothing is an
// error.
func expandFiles(patterns []string) ([]attachment.File, error) {
	var files []attachment.File
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, attachment.File{URI: m})
		}
	}
	return files, nil
}

// confirm writes prompt to w and reports whether the answer read from r
// is yes.
func confirm(r io.Reader, w io.Writer, prompt string) bool {
	fmt.Fprint(w, prompt)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// writeMutation prints the server response when there is one and returns
// err unchanged.
func writeMutation(w io.Writer, resp *attachment.MutationResponse, err error) error {
	if resp != nil {
		if werr := writeJSON(w, resp); werr != nil {
			return werr
		}
	}
	return err
}
