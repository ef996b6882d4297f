package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"index-manager/internal/changelog"
	"index-manager/internal/ingest"
)

const (
	// Default timeout for single database operations
	defaultTimeout = 30 * time.Second
	// Default change log path
	defaultChangelogPath = "/data/changelog.db"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	// Create a context that cancels on interrupt signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := os.Getenv("INDEX_MANAGER_CHANGELOG_PATH")
	if path == "" {
		path = defaultChangelogPath
	}

	log, err := changelog.New(ctx, path, changelog.WithIdentityField(os.Getenv("INDEX_MANAGER_IDENTITY_FIELD")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open change log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Make sure INDEX_MANAGER_CHANGELOG_PATH is set correctly (current: %s)\n", path)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close change log: %v\n", err)
		}
	}()

	if err := run(ctx, log, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			printUsage(os.Stderr)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

// run executes one command against log.
func run(ctx context.Context, log *changelog.Log, args []string, stdin io.Reader, stdout io.Writer) error {
	command, args := args[0], args[1:]

	switch command {
	case "append":
		if len(args) != 2 {
			return fmt.Errorf("%w: append <area> <json|->", errUsage)
		}
		return appendDocument(ctx, log, args[0], args[1], stdin, stdout)
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("%w: delete <area> <id>", errUsage)
		}
		return deleteDocument(ctx, log, args[0], args[1], stdout)
	case "stress":
		return stressCommand(ctx, log, args, stdout)
	case "status":
		return showStatus(ctx, log, stdout)
	default:
		return fmt.Errorf("%w: unknown command %s", errUsage, sanitizeCommand(command))
	}
}

// sanitizeCommand returns a safe representation of a command string for display.
// Any character that is not alphanumeric, a hyphen, or an underscore becomes '_'.
func sanitizeCommand(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for _, r := range cmd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Index Manager Change Generator")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: changegen <command> [arguments]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  append <area> <json|->     - Append a document (create or update)")
	fmt.Fprintln(w, "  delete <area> <id>         - Append a delete")
	fmt.Fprintln(w, "  stress [-n N] <area>...    - Generate random changes until interrupted")
	fmt.Fprintln(w, "  status                     - Show the latest generation per area")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  INDEX_MANAGER_CHANGELOG_PATH - Path to the change log (default: %s)\n", defaultChangelogPath)
}

// readDocument parses arg as a JSON object, reading stdin when arg is "-".
func readDocument(arg string, stdin io.Reader) (ingest.Document, error) {
	data := []byte(arg)
	if arg == "-" {
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fmt.Fprintln(os.Stderr, "Enter the document JSON, then press Ctrl+D:")
		}
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
	}

	var doc ingest.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if doc == nil {
		return nil, errors.New("parse document: not a JSON object")
	}
	return doc, nil
}

func appendDocument(ctx context.Context, log *changelog.Log, area, arg string, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	doc, err := readDocument(arg, stdin)
	if err != nil {
		return err
	}
	id, ok := log.DocumentID(doc)
	if !ok {
		return fmt.Errorf("document has no %q field", log.IdentityField())
	}

	typ := ingest.ChangeCreate
	exists, err := log.Exists(ctx, area, id)
	if err != nil {
		return err
	}
	if exists {
		typ = ingest.ChangeUpdate
	}

	gen, err := log.Append(ctx, area, typ, doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s/%s at generation %d\n", typ, area, id, gen)
	return nil
}

func deleteDocument(ctx context.Context, log *changelog.Log, area, id string, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	gen, err := log.Append(ctx, area, ingest.ChangeDelete, ingest.Document{log.IdentityField(): id})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Delete %s/%s at generation %d\n", area, id, gen)
	return nil
}

func showStatus(ctx context.Context, log *changelog.Log, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	areas, err := log.Areas(ctx)
	if err != nil {
		return fmt.Errorf("list areas: %w", err)
	}
	if len(areas) == 0 {
		fmt.Fprintln(stdout, "Status: change log is empty")
		return nil
	}
	for _, area := range areas {
		gen, err := log.Area(area).LatestGeneration(ctx)
		if err != nil {
			return fmt.Errorf("latest generation of %s: %w", area, err)
		}
		fmt.Fprintf(stdout, "%-24s %d\n", area, gen)
	}
	return nil
}

func stressCommand(ctx context.Context, log *changelog.Log, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	count := fs.Int("n", 0, "number of changes to write, 0 for no limit")
	interval := fs.Duration("interval", 10*time.Millisecond, "pause between changes")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: stress needs at least one area", errUsage)
	}

	g := newGenerator(log, fs.Args())
	written, err := g.run(ctx, *count, *interval)
	fmt.Fprintf(stdout, "Wrote %d changes (%d faulty)\n", written, g.faulty)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// generator produces a plausible stream of changes: mostly creates, then
// updates and deletes of documents it created, and a few faulty rows.
type generator struct {
	log    *changelog.Log
	areas  []string
	live   map[string][]string
	rng    *rand.Rand
	faulty int
}

func newGenerator(log *changelog.Log, areas []string) *generator {
	return &generator{
		log:   log,
		areas: areas,
		live:  make(map[string][]string),
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

func (g *generator) run(ctx context.Context, count int, interval time.Duration) (int, error) {
	written := 0
	for count == 0 || written < count {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := g.next(ctx); err != nil {
			return written, err
		}
		written++

		if interval > 0 {
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return written, nil
}

func (g *generator) next(ctx context.Context) error {
	area := g.areas[g.rng.IntN(len(g.areas))]
	ids := g.live[area]
	field := g.log.IdentityField()

	roll := g.rng.IntN(100)
	switch {
	case roll < 2:
		g.faulty++
		_, err := g.log.AppendRaw(ctx, area, ingest.ChangeCreate.String(), uuid.NewString(), "{not json")
		return err
	case roll < 10 && len(ids) > 0:
		i := g.rng.IntN(len(ids))
		id := ids[i]
		g.live[area] = append(ids[:i], ids[i+1:]...)
		_, err := g.log.Append(ctx, area, ingest.ChangeDelete, ingest.Document{field: id})
		return err
	case roll < 30 && len(ids) > 0:
		id := ids[g.rng.IntN(len(ids))]
		_, err := g.log.Append(ctx, area, ingest.ChangeUpdate, g.document(field, id))
		return err
	default:
		id := uuid.NewString()
		g.live[area] = append(ids, id)
		_, err := g.log.Append(ctx, area, ingest.ChangeCreate, g.document(field, id))
		return err
	}
}

var words = []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel", "india", "juliet"}

func (g *generator) document(field, id string) ingest.Document {
	return ingest.Document{
		field:      id,
		"title":    words[g.rng.IntN(len(words))] + " " + words[g.rng.IntN(len(words))],
		"quantity": g.rng.IntN(1000),
		"updated":  time.Now().UTC().Format(time.RFC3339Nano),
	}
}
