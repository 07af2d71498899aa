package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/hashstore/pkg/content"
	"github.com/jacktea/hashstore/pkg/gc"
	"github.com/jacktea/hashstore/pkg/jsonattr"
	"github.com/jacktea/hashstore/pkg/meta"
)

func newPutCmd() *cobra.Command {
	var ext string
	cmd := &cobra.Command{
		Use:   "put <file|->",
		Short: "Store a file and print its reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPut(application.ctx, application.files, cmd.OutOrStdout(), args[0], ext)
		},
	}
	cmd.Flags().StringVar(&ext, "ext", "", "extension to store under (defaults to the file's)")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <ref>",
		Short: "Remove a stored reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if application.files.Remove(application.ctx, content.Ref(args[0])) {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing removed for %s\n", args[0])
			}
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <ref>",
		Short: "Print stored content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, _, err := application.files.Open(application.ctx, content.Ref(args[0]))
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
}

func newAttachCmd() *cobra.Command {
	var ext string
	cmd := &cobra.Command{
		Use:   "attach <id> <attr> <file|->",
		Short: "Upload a file into a record attribute, replacing the previous one",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, attr, src := args[0], args[1], args[2]
			if !slices.Contains(application.uploads.Attributes(), attr) {
				return fmt.Errorf("%s is not an upload attribute", attr)
			}
			r, fileExt, closeFn, err := openSource(src, ext)
			if err != nil {
				return err
			}
			defer closeFn()
			rec, err := loadOrNew(application.ctx, application.repo, id)
			if err != nil {
				return err
			}
			uploads := map[string]content.Upload{attr: {Reader: r, Ext: fileExt, Size: -1}}
			if err := application.repo.Save(application.ctx, rec, uploads); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.Column(attr))
			return nil
		},
	}
	cmd.Flags().StringVar(&ext, "ext", "", "extension to store under (defaults to the file's)")
	return cmd
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <attr> <value>",
		Short: "Set a record attribute; JSON attributes take JSON values",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, attr, value := args[0], args[1], args[2]
			rec, err := loadOrNew(application.ctx, application.repo, id)
			if err != nil {
				return err
			}
			if slices.Contains(viper.GetStringSlice("json_attrs"), attr) {
				v, err := jsonattr.Decode(value)
				if err != nil {
					return &meta.ValidationError{Attribute: attr, Err: err}
				}
				rec.Set(attr, v)
			} else {
				rec.SetColumn(attr, value)
			}
			return application.repo.Save(application.ctx, rec, nil)
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := application.repo.Find(application.ctx, args[0])
			if err != nil {
				return err
			}
			return writeRecord(cmd.OutOrStdout(), rec)
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record and the files it references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.repo.Delete(application.ctx, args[0])
		},
	}
}

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Retry queued removals, optionally removing orphaned files",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := gc.NewSweeper(gc.Options{
				Store:     application.metaStore,
				Content:   application.files,
				Attrs:     application.uploads.Attributes(),
				BatchSize: viper.GetInt("gc.batch"),
				MinAge:    viper.GetDuration("gc.min_age"),
				Orphans:   viper.GetBool("gc.orphans"),
				Logger:    application.log.Infof,
			})
			count, err := sweeper.Sweep(application.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gc removed %d files\n", count)
			return nil
		},
	}
	cmd.Flags().Int("batch", 128, "queued refs handled per batch")
	cmd.Flags().Duration("min-age", time.Hour, "leave files younger than this alone")
	cmd.Flags().Bool("orphans", false, "also remove stored files no record references, including refs from put")
	bindConfig("gc.batch", cmd.Flags().Lookup("batch"))
	bindConfig("gc.min_age", cmd.Flags().Lookup("min-age"))
	bindConfig("gc.orphans", cmd.Flags().Lookup("orphans"))
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <bolt-path>",
		Short: "Copy the metadata store into a new BoltDB file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			dst, err := meta.MigrateToBolt(application.ctx, application.metaStore,
				meta.BoltConfig{Path: args[0], Timeout: 5 * time.Second}, application.uploads.Attributes())
			if err != nil {
				return err
			}
			defer dst.Close()
			application.log.Infof("migrated metadata to %s", args[0])
			return nil
		},
	}
}

func doPut(ctx context.Context, files *content.Store, out io.Writer, src, ext string) error {
	r, fileExt, closeFn, err := openSource(src, ext)
	if err != nil {
		return err
	}
	defer closeFn()
	ref, err := files.Store(ctx, r, fileExt)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ref)
	return nil
}

// openSource opens src, or stdin for "-". The extension defaults to the
// file's own, without the dot.
func openSource(src, ext string) (io.Reader, string, func(), error) {
	if ext == "" && src != "-" {
		ext = strings.TrimPrefix(filepath.Ext(src), ".")
	}
	if ext == "" {
		return nil, "", nil, errors.New("cannot infer extension, pass --ext")
	}
	if src == "-" {
		return os.Stdin, ext, func() {}, nil
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, "", nil, err
	}
	return f, ext, func() { _ = f.Close() }, nil
}

func loadOrNew(ctx context.Context, repo *meta.Repository, id string) (*meta.Record, error) {
	rec, err := repo.Find(ctx, id)
	if errors.Is(err, meta.ErrNotFound) {
		return &meta.Record{ID: id}, nil
	}
	return rec, err
}

func writeRecord(w io.Writer, rec *meta.Record) error {
	view := struct {
		ID        string            `json:"id"`
		Columns   map[string]string `json:"columns"`
		Data      map[string]any    `json:"data,omitempty"`
		UpdatedAt time.Time         `json:"updated_at"`
	}{rec.ID, rec.Columns, rec.Data, rec.UpdatedAt}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
