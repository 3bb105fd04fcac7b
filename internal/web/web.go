// Package web drives the controlled browser surface used by the federated
// SAML exchange and the SSO device login. It owns the chromium lifecycle,
// captures the form POST carrying the SAML assertion and reports the user
// closing the window as an explicit cancellation.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	ps "github.com/mitchellh/go-ps"

	"github.com/alexmorozenko/leapp/internal/session"
)

var ErrCaptureTimedOut = errors.New("timed out waiting for the identity provider response")

// authenticationUrlFilters is the fixed allow-list of identity provider
// hosts whose pages mean the user still has to log in interactively.
var authenticationUrlFilters = []string{
	".onelogin.com/login",
	".okta.com",
	"https://accounts.google.com/ServiceLogin",
	"https://login.microsoftonline.com",
	"https://signin.aws.amazon.com/saml",
}

// NeedsAuthentication reports whether the url belongs to a known identity
// provider login surface.
func NeedsAuthentication(url string) bool {
	for _, filter := range authenticationUrlFilters {
		if strings.Contains(url, filter) {
			return true
		}
	}
	return false
}

type Config struct {
	DataDir        string
	ExecutablePath string
}

type Browser struct {
	conf     Config
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// New launches a headed chromium instance, the user interacts with it during
// login so it is never headless.
func New(conf Config) *Browser {
	l := launcher.New().
		Headless(false).
		Devtools(false).
		Leakless(true)

	if conf.ExecutablePath != "" {
		l = l.Bin(conf.ExecutablePath)
	}

	url := l.UserDataDir(conf.DataDir).MustLaunch()

	browser := rod.New().
		ControlURL(url).
		MustConnect().NoDefaultDevice()

	return &Browser{
		conf:     conf,
		launcher: l,
		browser:  browser,
	}
}

func (web *Browser) Close() {
	_ = web.browser.Close()
	web.launcher.Cleanup()
}

// CaptureFormPost opens startUrl and resolves with the raw body of the first
// request matching targetPattern, usually the POST of the SAMLResponse to
// the cloud sign-in endpoint. The page loads in a background tab and is only
// brought forward when the identity provider serves a login page, a still
// valid idp cookie completes the exchange without stealing focus. The wait
// ends early with session.ErrWindowClosed when the user closes the window,
// or with ErrCaptureTimedOut when ctx expires.
func (web *Browser) CaptureFormPost(ctx context.Context, startUrl, targetPattern string) (string, error) {
	page, err := web.browser.Page(proto.TargetCreateTarget{URL: startUrl, Background: true})
	if err != nil {
		return "", fmt.Errorf("cannot open %s: %w", startUrl, err)
	}
	defer func() { _ = page.Close() }()

	captured := make(chan string, 1)
	closed := make(chan struct{})

	router := web.browser.HijackRequests()
	defer func() { _ = router.Stop() }()

	router.MustAdd(targetPattern, func(hctx *rod.Hijack) {
		body := hctx.Request.Body()
		_ = hctx.LoadResponse(http.DefaultClient, true)
		select {
		case captured <- body:
		default:
		}
	})
	var surfaced sync.Once
	router.MustAdd("*", func(hctx *rod.Hijack) {
		if NeedsAuthentication(hctx.Request.URL().String()) {
			surfaced.Do(func() { _, _ = page.Activate() })
		}
		hctx.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()

	waitClosed := web.browser.EachEvent(func(e *proto.TargetTargetDestroyed) (stop bool) {
		return e.TargetID == page.TargetID
	})
	go func() {
		waitClosed()
		close(closed)
	}()

	select {
	case body := <-captured:
		return body, nil
	case <-closed:
		return "", session.ErrWindowClosed
	case <-ctx.Done():
		return "", fmt.Errorf("%s, %w", ctx.Err(), ErrCaptureTimedOut)
	}
}

// OpenVerification shows the device authorization page. It returns a channel
// closed when the user closes the window so the caller can abandon its token
// polling.
func (web *Browser) OpenVerification(ctx context.Context, url string) (<-chan struct{}, error) {
	page, err := web.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", url, err)
	}

	closed := make(chan struct{})
	waitClosed := web.browser.EachEvent(func(e *proto.TargetTargetDestroyed) (stop bool) {
		return e.TargetID == page.TargetID
	})
	go func() {
		waitClosed()
		close(closed)
	}()
	return closed, nil
}

func (web *Browser) ClearCache() error {
	return ClearCache(web.conf.DataDir)
}

// ClearCache removes the browser profile dir and reaps chromium processes a
// previous improperly closed run may have left behind.
func ClearCache(dataDir string) error {
	errs := []error{}

	if err := os.RemoveAll(dataDir); err != nil {
		errs = append(errs, err)
	}
	if err := checkRodProcess(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%v", errs[:])
	}
	return nil
}

// checkRodProcess kills any hanging chromium left over from a previous
// improperly closed session.
func checkRodProcess() error {
	pids := make([]int, 0)
	procs, err := ps.Processes()
	if err != nil {
		return err
	}
	for _, v := range procs {
		if strings.Contains(v.Executable(), "Chromium") {
			pids = append(pids, v.Pid())
		}
	}
	for _, pid := range pids {
		fmt.Fprintf(os.Stderr, "process to be killed as part of clean up: %d\n", pid)
		if proc, _ := os.FindProcess(pid); proc != nil {
			_ = proc.Kill()
		}
	}
	return nil
}
