package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"gihan9a/groupsync/internal/client"
	"gihan9a/groupsync/internal/config"
	"gihan9a/groupsync/internal/store/backend"
	"gihan9a/groupsync/pkg/actions"
	"gihan9a/groupsync/pkg/delta"
	"gihan9a/groupsync/pkg/document"
)

const SyncCtlVersion = "0.1.0"

const usage = `Group sync control.

Usage:
    syncctl diff <before> <after>
    syncctl apply <state> <actions> [--strict] [--bias=<bias>]
    syncctl hashes <state>
    syncctl session create [--server=<url>] [<initial>]
    syncctl session show <session> [--server=<url>]
    syncctl sync <session> <actions> [--server=<url>] [--config=<file>] [--timeout=<duration>]
    syncctl lock <session> <holder> [--config=<file>] [--release]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --strict           Fail on the first action that breaks a roster invariant.
    --bias=<bias>      Insert position for ambiguous contexts, start or end [default: end].
    --server=<url>     Sync server base url [default: http://localhost:3000].
    --config=<file>    Configuration with the store and sync settings [default: config.yml].
    --release          Release the lock instead of taking it.
    --timeout=<duration>  How long to wait for the server to confirm [default: 30s].`

func main() {
	flag.Set("logtostderr", "true")
	defer glog.Flush()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		glog.Exitf("%v", err)
	}
	if err := run(context.Background(), opts, os.Stdout); err != nil {
		glog.Exitf("%v", err)
	}
}

func run(ctx context.Context, opts docopt.Opts, out io.Writer) error {
	if diff_, _ := opts.Bool("diff"); diff_ {
		return diffDocuments(opts, out)
	} else if apply_, _ := opts.Bool("apply"); apply_ {
		return applyActions(opts, out)
	} else if hashes_, _ := opts.Bool("hashes"); hashes_ {
		return hashDocument(opts, out)
	} else if create_, _ := opts.Bool("create"); create_ {
		return createSession(ctx, opts, out)
	} else if show_, _ := opts.Bool("show"); show_ {
		return showSession(ctx, opts, out)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		return syncSession(ctx, opts, out)
	} else if lock_, _ := opts.Bool("lock"); lock_ {
		return lockSession(ctx, opts, out)
	}
	return fmt.Errorf("no command given")
}

// diff prints the delta between two documents in jsondiffpatch format.
func diffDocuments(opts docopt.Opts, out io.Writer) error {
	beforePath, _ := opts.String("<before>")
	afterPath, _ := opts.String("<after>")
	before, err := readDocument(beforePath)
	if err != nil {
		return err
	}
	after, err := readDocument(afterPath)
	if err != nil {
		return err
	}
	d := document.Diff(before, after)
	if d == nil {
		fmt.Fprintln(out, "{}")
		return nil
	}
	return writeJSON(out, delta.Format(d))
}

func applyActions(opts docopt.Opts, out io.Writer) error {
	statePath, _ := opts.String("<state>")
	actionsPath, _ := opts.String("<actions>")
	strict, _ := opts.Bool("--strict")
	bias, _ := opts.String("--bias")
	if bias != string(actions.BiasStart) && bias != string(actions.BiasEnd) {
		return fmt.Errorf("invalid bias %q", bias)
	}

	doc, err := readDocument(statePath)
	if err != nil {
		return err
	}
	tagged, err := readActions(actionsPath)
	if err != nil {
		return err
	}

	r := &actions.Reducer{Bias: actions.Bias(bias), Strict: strict}
	next, err := r.ApplyActions(doc, actions.Unwrap(tagged)...)
	if err != nil {
		return err
	}
	return writeJSON(out, next.Normalize())
}

func hashDocument(opts docopt.Opts, out io.Writer) error {
	statePath, _ := opts.String("<state>")
	doc, err := readDocument(statePath)
	if err != nil {
		return err
	}
	return writeJSON(out, document.HashDocument(doc))
}

func createSession(ctx context.Context, opts docopt.Opts, out io.Writer) error {
	server, _ := opts.String("--server")
	var body io.Reader
	if initial, _ := opts.String("<initial>"); initial != "" {
		data, err := os.ReadFile(initial)
		if err != nil {
			return fmt.Errorf("read initial state: %w", err)
		}
		body = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(server, "/")+"/sessions", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req, http.StatusCreated, out)
}

func showSession(ctx context.Context, opts docopt.Opts, out io.Writer) error {
	server, _ := opts.String("--server")
	session, _ := opts.String("<session>")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(server, "/")+"/sessions/"+session, nil)
	if err != nil {
		return err
	}
	return doRequest(req, http.StatusOK, out)
}

// lockSession takes or releases the external-job lock directly in the
// configured store.
func lockSession(ctx context.Context, opts docopt.Opts, out io.Writer) error {
	configPath, _ := opts.String("--config")
	session, _ := opts.String("<session>")
	holder, _ := opts.String("<holder>")
	release, _ := opts.Bool("--release")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := backend.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	if release {
		if err := st.ReleaseLock(ctx, session, holder); err != nil {
			return err
		}
		fmt.Fprintf(out, "released %s\n", session)
		return nil
	}
	ok, err := st.AcquireLock(ctx, session, holder)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s is locked by someone else", session)
	}
	fmt.Fprintf(out, "locked %s for %s\n", session, cfg.Store.LockTTL)
	return nil
}

// syncSession joins a session as a client, submits actions and waits for
// a consistency check to confirm them before printing the document.
func syncSession(ctx context.Context, opts docopt.Opts, out io.Writer) error {
	server, _ := opts.String("--server")
	session, _ := opts.String("<session>")
	actionsPath, _ := opts.String("<actions>")
	configPath, _ := opts.String("--config")
	timeoutFlag, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutFlag)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", timeoutFlag, err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	tagged, err := readActions(actionsPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := client.NewWSTransport(syncURL(server))
	m := client.NewManager(transport, client.WithCheckDebounce(cfg.Sync.CheckDebounce))
	defer m.Close()
	go transport.Run(ctx, m)

	if err := waitFor(ctx, transport.Connected); err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	if err := m.Register(session); err != nil {
		return err
	}
	if err := waitFor(ctx, m.Connected); err != nil {
		return fmt.Errorf("register with %s: %w", session, err)
	}
	if err := m.SyncActions(actions.Unwrap(tagged)...); err != nil {
		return err
	}
	if err := waitFor(ctx, m.IsCleanState); err != nil {
		local, pending := m.Queued()
		return fmt.Errorf("waiting for confirmation (%d local, %d pending): %w", local, pending, err)
	}
	return writeJSON(out, m.State().Normalize())
}

func syncURL(server string) string {
	u := strings.TrimSuffix(server, "/") + "/sync"
	if rest, ok := strings.CutPrefix(u, "http"); ok {
		return "ws" + rest
	}
	return u
}

func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func readActions(path string) ([]actions.Tagged, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actions: %w", err)
	}
	var tagged []actions.Tagged
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("parse actions in %s: %w", path, err)
	}
	return tagged, nil
}

func doRequest(req *http.Request, want int, out io.Writer) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL, resp.Status, strings.TrimSpace(string(data)))
	}
	_, err = fmt.Fprintln(out, strings.TrimSpace(string(data)))
	return err
}

func readDocument(path string) (document.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return document.Document{}, fmt.Errorf("read document: %w", err)
	}
	var doc document.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document.Document{}, fmt.Errorf("parse document in %s: %w", path, err)
	}
	return doc.Normalize(), nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
