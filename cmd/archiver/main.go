// Command archiver files messages into the archive from the command line:
// a single message on stdin (the stdin-pipe form mail routers invoke) or
// one or more mbox files for bulk import.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"path"
	"time"

	"github.com/joho/godotenv"

	"github.io/infrasutra/mailarchive/internal/archive"
	"github.io/infrasutra/mailarchive/internal/blobs"
	"github.io/infrasutra/mailarchive/internal/config"
	"github.io/infrasutra/mailarchive/internal/generators"
	"github.io/infrasutra/mailarchive/internal/importer"
	"github.io/infrasutra/mailarchive/internal/index"
	"github.io/infrasutra/mailarchive/internal/normalize"
)

func main() {
	var (
		lid          = flag.String("lid", "", "archive under this list id, overriding the List-Id header")
		private      = flag.Bool("private", false, "archive as private")
		dry          = flag.Bool("dry", false, "parse and compute ids but write nothing")
		digest       = flag.Bool("digest", false, "print the generated mid without archiving")
		generator    = flag.String("generator", "", "id strategy chain, overriding ARCHIVER_GENERATORS")
		defaultEpoch = flag.Int64("defaultepoch", 0, "epoch to stamp on dateless messages")
		skipNoDate   = flag.Bool("skipnodate", false, "skip messages without a derivable date")
		makeDate     = flag.Bool("makedate", false, "stamp the archive time as the Date header")
		ignoreFrom   = flag.String("ignorefrom", "", "skip messages whose From address matches this glob")
		quiet        = flag.Bool("quiet", false, "exit 0 even when the message cannot be parsed")
		html2text    = flag.Bool("html2text", false, "convert HTML-only bodies to text")
		ignoreBody   = flag.String("ignorebody", "", "treat bodies containing this sentinel as empty")
		workers      = flag.Int("workers", 0, "mbox import parallelism, 0 means CPU count")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.Background()
	store, err := index.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(logger, "open index", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		fatal(logger, "ensure schema", err)
	}

	var blobStore *blobs.Store
	if cfg.BlobPath != "" {
		blobStore, err = blobs.Open(cfg.BlobPath)
		if err != nil {
			fatal(logger, "open blob store", err)
		}
		defer blobStore.Close()
	}

	chain := cfg.Generators
	if *generator != "" {
		chain = *generator
	}
	gens, err := generators.NewChain(chain, cfg.LegacyCompat)
	if err != nil {
		fatal(logger, "init generators", err)
	}

	convertHTML := cfg.ConvertHTML || *html2text
	bodySentinel := cfg.IgnoreBody
	if *ignoreBody != "" {
		bodySentinel = *ignoreBody
	}

	writer, err := archive.NewWriter(archive.Config{
		Store:      store,
		Blobs:      blobStore,
		Generators: gens,
		Normalizer: &normalize.Normalizer{ConvertHTML: convertHTML, IgnoreBody: bodySentinel},
		Logger:     logger,
	})
	if err != nil {
		fatal(logger, "init archive writer", err)
	}

	opts := archive.Options{
		ListID:  *lid,
		Private: *private,
		DryRun:  *dry || *digest,
		Dates: archive.DatePolicy{
			Skip:         *skipNoDate,
			DefaultEpoch: *defaultEpoch,
		},
	}

	if flag.NArg() > 0 {
		importMboxFiles(ctx, writer, logger, flag.Args(), opts, *workers)
		return
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatal(logger, "read stdin", err)
	}
	if *makeDate {
		raw = stampDate(raw, time.Now())
	}
	if *ignoreFrom != "" && fromMatches(raw, *ignoreFrom) {
		logger.Info("sender matches ignore filter; not archived")
		return
	}

	doc, err := writer.Archive(ctx, raw, opts)
	if err != nil {
		if *quiet {
			logger.Warn("message not archived", "error", err)
			return
		}
		fatal(logger, "archive message", err)
	}
	if *digest {
		fmt.Println(doc.MID)
		return
	}
	logger.Info("archived", "mid", doc.MID, "list", doc.ListRaw, "epoch", doc.Epoch, "dry", opts.DryRun)
}

func importMboxFiles(ctx context.Context, writer *archive.Writer, logger *slog.Logger, files []string, opts archive.Options, workers int) {
	im := importer.New(writer, logger, workers)
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			fatal(logger, "open mbox", err)
		}
		result, err := im.ImportMbox(ctx, f, opts)
		f.Close()
		if err != nil {
			fatal(logger, "import mbox", err)
		}
		logger.Info("mbox imported", "file", file,
			"archived", result.Archived, "skipped", result.Skipped, "failed", result.Failed)
	}
}

// stampDate replaces (or adds) the Date header with the archive time,
// mirroring what list servers do for clockless senders.
func stampDate(raw []byte, now time.Time) []byte {
	stamped := []byte(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	headerEnd := headerBlockEnd(raw)
	var out bytes.Buffer
	out.Write(stamped)
	for _, line := range bytes.SplitAfter(raw[:headerEnd], []byte("\n")) {
		if startsHeader(line, "Date:") || startsHeader(line, "date:") {
			continue
		}
		out.Write(line)
	}
	out.Write(raw[headerEnd:])
	return out.Bytes()
}

func headerBlockEnd(raw []byte) int {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return i
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return i
	}
	return len(raw)
}

func startsHeader(line []byte, prefix string) bool {
	return bytes.HasPrefix(line, []byte(prefix))
}

func fromMatches(raw []byte, pattern string) bool {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	addr, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil {
		return false
	}
	matched, err := path.Match(pattern, addr.Address)
	return err == nil && matched
}

func fatal(logger *slog.Logger, op string, err error) {
	logger.Error(op, "error", err)
	os.Exit(1)
}
