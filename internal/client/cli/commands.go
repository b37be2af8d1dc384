package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/client/api"
	"github.com/dmitrijs2005/fleetsession/internal/client/bus"
	"github.com/dmitrijs2005/fleetsession/internal/common"
	"golang.org/x/oauth2"
)

// rawBodyLimit caps how much of a raw response is echoed.
const rawBodyLimit = 64 << 10

// Login prompts for a username and password and signs in. The password is
// wiped before returning.
func (a *App) Login(ctx context.Context) error {
	userName, err := GetSimpleText(a.reader, "Enter username", a.out)
	if err != nil {
		return err
	}

	password, err := GetPassword(a.reader, a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	subj, err := a.session.Login(ctx, userName, string(password))
	if err != nil {
		if errors.Is(err, common.ErrInvalidCredentials) {
			fmt.Fprintln(a.out, "Invalid username or password")
		} else {
			fmt.Fprintf(a.out, "Login failed: %v\n", err)
		}
		a.log.Info(ctx, "login unsuccessful", "user", userName, "error", err)
		return err
	}

	fmt.Fprintf(a.out, "Signed in as %s (%s)\n", displayName(subj.Name, subj.ID), subj.Role)
	return nil
}

func (a *App) Logout(ctx context.Context) error {
	err := a.session.Logout(ctx)
	if err != nil {
		a.log.Warn(ctx, "backend logout failed, local session cleared", "error", err)
	}
	fmt.Fprintln(a.out, "Signed out")
	return err
}

func (a *App) Whoami(ctx context.Context) error {
	subj, ok := a.session.Subject()
	if !ok {
		fmt.Fprintln(a.out, "Not signed in")
		return common.ErrNotAuthenticated
	}
	fmt.Fprintf(a.out, "id:    %s\nname:  %s\nemail: %s\nrole:  %s\n", subj.ID, subj.Name, subj.Email, subj.Role)
	return nil
}

// Info prints the credential snapshot. Token material is never shown.
func (a *App) Info(ctx context.Context) error {
	info := a.session.CredentialInfo()
	fmt.Fprintf(a.out, "state:         %s\n", info.State)
	fmt.Fprintf(a.out, "process:       %s\n", a.bus.TabID())
	if info.SubjectID == "" {
		return nil
	}
	fmt.Fprintf(a.out, "subject:       %s (%s)\n", info.SubjectID, info.Role)
	fmt.Fprintf(a.out, "expires at:    %s (in %s)\n", info.ExpiresAt.Format(time.RFC3339), info.TimeToExpiry.Round(time.Second))
	fmt.Fprintf(a.out, "renewal token: %t\n", info.HasRenewalToken)
	if !info.NextRenewal.IsZero() {
		fmt.Fprintf(a.out, "next renewal:  %s\n", info.NextRenewal.Format(time.RFC3339))
	}
	return nil
}

// Renew forces a credential renewal.
func (a *App) Renew(ctx context.Context) error {
	if _, err := a.session.Renew(ctx); err != nil {
		fmt.Fprintf(a.out, "Renewal failed: %v\n", err)
		return err
	}
	info := a.session.CredentialInfo()
	fmt.Fprintf(a.out, "Credential renewed, expires at %s\n", info.ExpiresAt.Format(time.RFC3339))
	return nil
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// Request sends an authenticated call through the pipeline. args holds the
// endpoint and, optionally, an inline JSON body. Write methods without an
// inline body prompt for one.
func (a *App) Request(ctx context.Context, method string, args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(a.out, "Usage: %s <endpoint> [json]\n", strings.ToLower(method))
		return nil
	}
	endpoint := args[0]

	raw := strings.Join(args[1:], " ")
	if raw == "" && hasBody(method) {
		var err error
		raw, err = GetMultiline(a.reader, "Enter JSON body", a.out)
		if err != nil {
			return err
		}
	}

	var body any
	if raw != "" {
		if !json.Valid([]byte(raw)) {
			fmt.Fprintln(a.out, "Body is not valid JSON")
			return errors.New("invalid json body")
		}
		body = json.RawMessage(raw)
	}

	env, err := a.pipeline.Do(ctx, method, endpoint, body)
	if err != nil {
		env = api.Failure(err)
	}
	printEnvelope(a.out, env)
	return err
}

func printEnvelope(w io.Writer, env *api.Envelope) {
	if !env.Success {
		fmt.Fprint(w, "Error")
		if env.Status != 0 {
			fmt.Fprintf(w, " %d", env.Status)
		}
		if env.Error != "" {
			fmt.Fprintf(w, " (%s)", env.Error)
		}
		fmt.Fprintf(w, ": %s\n", env.Message)
		return
	}

	if len(env.Data) == 0 {
		fmt.Fprintln(w, "OK")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, env.Data, "", "  "); err != nil {
		fmt.Fprintln(w, string(env.Data))
		return
	}
	fmt.Fprintln(w, buf.String())
}

// Raw fetches endpoint with a plain oauth2 HTTP client over the session's
// token source, bypassing the pipeline's retry and recovery.
func (a *App) Raw(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.out, "Usage: raw <endpoint>")
		return nil
	}

	target, err := url.JoinPath(a.config.ServerURL, args[0])
	if err != nil {
		return err
	}

	hc := oauth2.NewClient(ctx, a.session.TokenSource(ctx))
	hc.Timeout = a.config.RequestTimeout

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		fmt.Fprintf(a.out, "Request failed: %v\n", err)
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, rawBodyLimit))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s\n%s\n", resp.Status, strings.TrimSpace(string(b)))
	return nil
}

func (a *App) ping(ctx context.Context) error {
	if a.grpc != nil {
		return a.grpc.Ping(ctx)
	}
	_, err := a.pipeline.Get(ctx, "/health", api.Public())
	return err
}

// Ping checks that the backend answers.
func (a *App) Ping(ctx context.Context) error {
	start := time.Now()
	if err := a.ping(ctx); err != nil {
		fmt.Fprintf(a.out, "Backend unreachable: %v\n", err)
		a.setMode(ctx, ModeOffline)
		return err
	}
	fmt.Fprintf(a.out, "Backend reachable in %s\n", time.Since(start).Round(time.Millisecond))
	a.setMode(ctx, ModeOnline)
	return nil
}

// Watch toggles printing of session events received from other processes.
func (a *App) Watch(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.watches) > 0 {
		for _, unsubscribe := range a.watches {
			unsubscribe()
		}
		a.watches = nil
		fmt.Fprintln(a.out, "Stopped watching session events")
		return nil
	}

	for _, t := range bus.Events {
		a.watches = append(a.watches, a.bus.Listen(t, a.printEvent))
	}
	fmt.Fprintln(a.out, "Watching session events (run 'watch' again to stop)")
	return nil
}

func (a *App) printEvent(msg bus.Message) {
	at := time.UnixMilli(msg.Timestamp).Format(time.TimeOnly)
	fmt.Fprintf(a.out, "\n[%s] %s from %s\n", at, msg.Type, msg.Origin)
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
