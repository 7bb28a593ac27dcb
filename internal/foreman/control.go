package foreman

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloud-shuttle/rigs/internal/events"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// ServeControl listens on a unix socket and answers one line command per
// connection: status, pause, resume, stop, cancel <id>, retry <id>,
// edit <id> <json patch>, tank-set <provider> <remaining>,
// tank-refresh [provider|all] and attach. It returns when ctx is cancelled.
func (f *Foreman) ServeControl(ctx context.Context, sockPath string) error {
	// Remove stale socket from a previous crash
	os.Remove(sockPath) //nolint:errcheck // stale socket cleanup
	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listening on control socket: %w", err)
	}
	go func() {
		<-ctx.Done()
		lis.Close() //nolint:errcheck // unblocks Accept
	}()
	defer os.Remove(sockPath) //nolint:errcheck // best-effort cleanup

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting control connection: %w", err)
		}
		go f.handleControlConn(ctx, conn)
	}
}

func (f *Foreman) handleControlConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		fmt.Fprintln(conn, "error: empty command") //nolint:errcheck // best-effort reply
		return
	}

	reply := func(format string, args ...any) {
		fmt.Fprintf(conn, format+"\n", args...) //nolint:errcheck // best-effort reply
	}

	switch cmd := fields[0]; cmd {
	case "status":
		data, err := json.Marshal(f.Status())
		if err != nil {
			reply("error: %v", err)
			return
		}
		reply("%s", data)
	case "pause":
		f.Pause(ctx)
		reply("ok")
	case "resume":
		f.Resume(ctx)
		reply("ok")
	case "stop":
		reply("ok")
		f.Stop()
	case "cancel", "retry":
		if len(fields) != 2 {
			reply("error: usage: %s <bead-id>", cmd)
			return
		}
		id, err := types.ParseBeadIDWithPrefix(f.cfg.BeadPrefix, fields[1])
		if err != nil {
			reply("error: %v", err)
			return
		}
		var b *types.Bead
		if cmd == "cancel" {
			b, err = f.Cancel(ctx, id)
		} else {
			b, err = f.Retry(ctx, id)
		}
		if err != nil {
			reply("error: %v", err)
			return
		}
		reply("ok %s", b.Status)
	case "edit":
		f.controlEdit(ctx, scanner.Text(), reply)
	case "tank-set":
		if len(fields) != 3 {
			reply("error: usage: tank-set <provider> <remaining>")
			return
		}
		p, err := types.ParseProvider(fields[1])
		if err != nil {
			reply("error: %v", err)
			return
		}
		remaining, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			reply("error: invalid token count %q", fields[2])
			return
		}
		t, err := f.SetTank(ctx, p, remaining)
		if err != nil {
			reply("error: %v", err)
			return
		}
		data, err := json.Marshal(t)
		if err != nil {
			reply("error: %v", err)
			return
		}
		reply("%s", data)
	case "tank-refresh":
		refreshed, err := f.controlRefresh(ctx, fields[1:])
		if err != nil {
			reply("error: %v", err)
			return
		}
		names := make([]string, len(refreshed))
		for i, p := range refreshed {
			names[i] = string(p)
		}
		reply("%s", strings.TrimSpace("ok "+strings.Join(names, " ")))
	case "attach":
		f.streamEvents(ctx, conn)
	default:
		reply("error: unknown command %q", cmd)
	}
}

// controlEdit applies "edit <id> <json patch>" and replies with the bead as JSON
func (f *Foreman) controlEdit(ctx context.Context, line string, reply func(string, ...any)) {
	_, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rawID, rawPatch, ok := strings.Cut(strings.TrimSpace(rest), " ")
	if !ok {
		reply("error: usage: edit <bead-id> <json patch>")
		return
	}
	id, err := types.ParseBeadIDWithPrefix(f.cfg.BeadPrefix, rawID)
	if err != nil {
		reply("error: %v", err)
		return
	}
	var patch Patch
	if err := json.Unmarshal([]byte(rawPatch), &patch); err != nil {
		reply("error: invalid patch: %v", err)
		return
	}
	b, err := f.Edit(ctx, id, patch)
	if err != nil {
		reply("error: %v", err)
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		reply("error: %v", err)
		return
	}
	reply("%s", data)
}

// controlRefresh refreshes one provider, every provider ("all"), or with
// no argument only the tanks whose window has ended
func (f *Foreman) controlRefresh(ctx context.Context, args []string) ([]types.Provider, error) {
	switch {
	case len(args) > 1:
		return nil, errors.New("usage: tank-refresh [provider|all]")
	case len(args) == 0:
		refreshed, err := f.RefreshTanks(ctx)
		if len(refreshed) > 0 {
			f.poke()
		}
		return refreshed, err
	case args[0] == "all":
		var refreshed []types.Provider
		for _, p := range f.tanks.Providers() {
			if err := f.RefreshTank(ctx, p); err != nil {
				return refreshed, err
			}
			refreshed = append(refreshed, p)
		}
		return refreshed, nil
	}
	p, err := types.ParseProvider(args[0])
	if err != nil {
		return nil, err
	}
	if err := f.RefreshTank(ctx, p); err != nil {
		return nil, err
	}
	return []types.Provider{p}, nil
}

// streamEvents writes every bus event as a JSON line until the client
// goes away or ctx ends
func (f *Foreman) streamEvents(ctx context.Context, conn net.Conn) {
	if f.bus == nil {
		fmt.Fprintln(conn, "error: no event bus") //nolint:errcheck // best-effort reply
		return
	}
	ch := f.bus.Subscribe(events.Filter{})
	defer f.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.FormatEvent(e)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // best effort
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	}
}

// ErrNotRunning is returned when no foreman listens on the control socket
var ErrNotRunning = errors.New("foreman is not running")

// Send delivers one command to a running foreman and returns its reply line
func Send(sockPath, command string) (string, error) {
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup

	if _, err := fmt.Fprintln(conn, command); err != nil {
		return "", fmt.Errorf("sending %q: %w", command, err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck // best effort
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading reply to %q: %w", command, err)
	}
	line = strings.TrimSpace(line)
	if msg, ok := strings.CutPrefix(line, "error: "); ok {
		return "", errors.New(msg)
	}
	return line, nil
}

// Attach copies the event stream of a running foreman to w until ctx
// ends or the foreman stops
func Attach(ctx context.Context, sockPath string, w io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	go func() {
		<-ctx.Done()
		conn.Close() //nolint:errcheck // unblocks the copy
	}()

	if _, err := fmt.Fprintln(conn, "attach"); err != nil {
		return err
	}
	_, err = io.Copy(w, conn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
