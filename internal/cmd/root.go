// Package cmd implements the pigdo CLI surface (spec.md §6): flag parsing
// and wiring into the recipe, template, and engine packages, with logrus
// configured from -v/-q, following the teacher repo's cobra/pflag style.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dadap/pigdo/internal/decompress"
	"github.com/dadap/pigdo/internal/engine"
	"github.com/dadap/pigdo/internal/fetch"
	"github.com/dadap/pigdo/internal/mmapfile"
	"github.com/dadap/pigdo/internal/pigdoerr"
	"github.com/dadap/pigdo/internal/recipe"
	"github.com/dadap/pigdo/internal/template"
)

type options struct {
	output   string
	templ    string
	threads  int
	mirrors  []string
	verbose  bool
	quiet    bool
}

// NewRootCommand builds the pigdo root cobra.Command.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "pigdo <recipe-path-or-uri>",
		Short: "Reassemble a jigsaw-downloaded image from a .jigdo recipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, args []string) error {
			configureLogging(opts)
			return run(command.Context(), args[0], opts)
		},
	}

	var flags *pflag.FlagSet = root.Flags()
	flags.StringVarP(&opts.output, "output", "o", "", "path to write the assembled image to (default: the name from the .jigdo [Image] section)")
	flags.StringVarP(&opts.templ, "template", "t", "", "path or URI to the .template file (default: the name from the .jigdo [Image] section)")
	flags.IntVarP(&opts.threads, "threads", "j", engine.DefaultWorkers, "number of concurrent fetch workers")
	flags.StringArrayVarP(&opts.mirrors, "mirror", "m", nil, "Server=URI-or-path mirror override; repeatable")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "only log errors")

	return root
}

func configureLogging(opts *options) {
	switch {
	case opts.quiet:
		logrus.SetLevel(logrus.ErrorLevel)
	case opts.verbose:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func run(ctx context.Context, recipePath string, opts *options) error {
	log := logrus.WithField("component", "cmd")
	client := fetch.NewClient(log)

	rec, err := loadRecipe(ctx, client, recipePath)
	if err != nil {
		return err
	}

	for _, m := range opts.mirrors {
		if err := rec.AddMirror(m); err != nil {
			return err
		}
	}

	templPath := opts.templ
	if templPath == "" {
		templPath = rec.TemplateName
	}

	templFile, err := openSeekable(ctx, client, templPath)
	if err != nil {
		return err
	}
	defer templFile.Close()

	table, err := template.Parse(templFile)
	if err != nil {
		return err
	}

	outPath := opts.output
	if outPath == "" {
		outPath = rec.ImageName
	}

	out, existed, err := openOutput(outPath, table.ImageInfo.Size)
	if err != nil {
		return err
	}
	defer out.Close()
	table.ExistingFile = existed

	log.Infof("writing glue data to %s", outPath)
	if err := template.WriteData(templFile, out, table); err != nil {
		return err
	}

	orch := engine.New(out, rec, table, opts.threads, log)

	if err := orch.Run(ctx); err != nil {
		return err
	}

	fmt.Println(orch.Stats().String())
	return nil
}

// loadRecipe fetches and parses the .jigdo recipe at path, transparently
// gunzipping it first if it's compressed.
func loadRecipe(ctx context.Context, client *fetch.Client, path string) (*recipe.Recipe, error) {
	f, err := openSeekable(ctx, client, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decompressed, err := decompress.GunzipReplace(f)
	if err != nil {
		return nil, err
	}
	defer decompressed.Close()

	return recipe.Parse(decompressed)
}

// openSeekable resolves pathOrURI to a local *os.File: directly for local
// paths, or for remote URIs by copying client.Open's stream into a
// self-deleting temp file.
func openSeekable(ctx context.Context, client *fetch.Client, pathOrURI string) (*os.File, error) {
	if !fetch.IsURI(pathOrURI) {
		f, err := os.Open(pathOrURI)
		if err != nil {
			return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "open").Error())
		}
		return f, nil
	}

	rc, _, err := client.Open(ctx, pathOrURI)
	if err != nil {
		return nil, err
	}

	if f, ok := rc.(*os.File); ok {
		return f, nil
	}

	tmp, err := os.CreateTemp("", "pigdo-fetch-*"+filepath.Ext(pathOrURI))
	if err != nil {
		rc.Close()
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "create temp file").Error())
	}
	if err := os.Remove(tmp.Name()); err != nil {
		tmp.Close()
		rc.Close()
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "unlink temp file").Error())
	}

	_, copyErr := copyAndClose(tmp, rc)
	if copyErr != nil {
		tmp.Close()
		return nil, copyErr
	}

	if _, err := tmp.Seek(0, 0); err != nil {
		tmp.Close()
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "seek temp file").Error())
	}

	return tmp, nil
}

// openOutput opens path for read-write and reports whether it already
// existed at full length. Per spec.md §4.8 (and original_source/pigdo.c's
// lseek(...) < table.imageInfo.size check at pigdo.c:724-738), a file only
// counts as "existing" when its current length is already >= size; a
// shorter or absent file is preallocated to size and treated as fresh, so
// verifyPartial never maps past EOF.
func openOutput(path string, size uint64) (*os.File, bool, error) {
	st, statErr := os.Stat(path)
	existed := statErr == nil && st.Size() >= int64(size)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "open output image").Error())
	}

	if !existed {
		if err := mmapfile.Allocate(f, int64(size)); err != nil {
			f.Close()
			return nil, false, err
		}
	}

	return f, existed, nil
}

// copyAndClose drains src into dst, closing src unconditionally before
// returning, for staging a remote-fetched recipe/template into a seekable
// temp file.
func copyAndClose(dst io.Writer, src io.ReadCloser) (int64, error) {
	defer src.Close()
	n, err := io.Copy(dst, src)
	if err != nil {
		return n, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "copy fetched data").Error())
	}
	return n, nil
}
