package cmd

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alexmorozenko/leapp/internal/awsclient"
	"github.com/alexmorozenko/leapp/internal/azure"
	"github.com/alexmorozenko/leapp/internal/config"
	"github.com/alexmorozenko/leapp/internal/credfile"
	"github.com/alexmorozenko/leapp/internal/repository"
	"github.com/alexmorozenko/leapp/internal/secret"
	"github.com/alexmorozenko/leapp/internal/service"
	"github.com/alexmorozenko/leapp/internal/web"
)

var (
	Version  string = "0.0.1"
	Revision string = "1111aaaa"
)

type Root struct {
	Cmd       *cobra.Command
	Log       *logrus.Logger
	rootFlags *rootCmdFlags

	app    *app
	newApp func(r *Root) (*app, error)
}

type rootCmdFlags struct {
	basePath          string
	browserExecutable string
	verbose           bool
}

func New() *Root {
	rf := &rootCmdFlags{}
	r := &Root{
		rootFlags: rf,
		Log:       logrus.New(),
		Cmd: &cobra.Command{
			Use:   config.SELF_NAME,
			Short: "Desktop credential broker for AWS and Azure sessions",
			Long: `Manages named cloud sessions and their short lived credentials.
Sessions are started and stopped explicitly, credentials land in the standard
AWS credentials file (or the azure profile) and are rotated before expiry.`,
			Version:       fmt.Sprintf("%s-%s", Version, Revision),
			SilenceUsage:  true,
			SilenceErrors: true,
		},
	}
	r.newApp = buildApp

	r.Cmd.PersistentFlags().StringVarP(&rf.basePath, "base-path", "", "", "Override the workspace directory, defaults to $HOME/."+config.SELF_NAME)
	r.Cmd.PersistentFlags().StringVarP(&rf.browserExecutable, "browser-executable", "", "", "Path to a chromium compatible browser binary, defaults to a managed download")
	r.Cmd.PersistentFlags().BoolVarP(&rf.verbose, "verbose", "v", false, "Verbose output")
	r.Cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if rf.verbose {
			r.Log.SetLevel(logrus.DebugLevel)
		}
	}
	return r
}

// SubCommands is a standalone builder helper.
func SubCommands() []func(*Root) {
	return []func(*Root){
		newSessionCmd,
		newSsoCmd,
		newRotateCmd,
		newClearCmd,
	}
}

func (r *Root) WithSubCommands(iocFuncs ...func(rootCmd *Root)) {
	for _, fn := range iocFuncs {
		fn(r)
	}
}

func (r *Root) Execute(ctx context.Context) error {
	return r.Cmd.ExecuteContext(ctx)
}

func (r *Root) basePath() string {
	if r.rootFlags.basePath != "" {
		return r.rootFlags.basePath
	}
	return path.Join(config.HomeDir(), fmt.Sprintf(".%s", config.SELF_NAME))
}

func (r *Root) browserDataDir() string {
	return path.Join(r.basePath(), "browser")
}

// App assembles the repository, secret store, credential writer and service
// factory once per invocation.
func (r *Root) App() (*app, error) {
	if r.app != nil {
		return r.app, nil
	}
	a, err := r.newApp(r)
	if err != nil {
		return nil, err
	}
	r.app = a
	return a, nil
}

type app struct {
	repo     *repository.Repository
	notifier *service.InMemoryNotifier
	factory  *service.Factory
	secrets  *secret.Store
	browser  *lazyBrowser
	log      *logrus.Logger
}

func buildApp(r *Root) (*app, error) {
	base := r.basePath()

	repo, err := repository.New(config.WorkspaceFile(base))
	if err != nil {
		return nil, err
	}
	writer, err := credfile.NewWriter(config.AwsCredentialsFile(), path.Join(base, "locks"))
	if err != nil {
		return nil, err
	}

	notifier := service.NewInMemoryNotifier()
	sessions, err := repo.ListSessions()
	if err != nil {
		return nil, err
	}
	notifier.SetSessions(sessions)

	browser := &lazyBrowser{conf: web.Config{
		DataDir:        r.browserDataDir(),
		ExecutablePath: r.rootFlags.browserExecutable,
	}}
	secrets := secret.NewStore(config.SELF_NAME)

	factory := service.NewFactory(service.Deps{
		Repo:             repo,
		Notifier:         notifier,
		Writer:           writer,
		Log:              r.Log,
		Secrets:          secrets,
		MfaPrompter:      &stdinPrompter{in: os.Stdin, out: os.Stderr},
		Clients:          awsclient.NewFactory(),
		Browser:          browser,
		Opener:           browser,
		AzureTokens:      azure.NewDeviceCodeTokenProvider(),
		AzureProfilePath: config.AzureProfileFile(base),
	})

	return &app{
		repo:     repo,
		notifier: notifier,
		factory:  factory,
		secrets:  secrets,
		browser:  browser,
		log:      r.Log,
	}, nil
}

// lazyBrowser defers the chromium launch until a flow actually needs a
// window, commands that never open one stay headless.
type lazyBrowser struct {
	conf web.Config

	mu sync.Mutex
	b  *web.Browser
}

func (l *lazyBrowser) get() *web.Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.b == nil {
		l.b = web.New(l.conf)
	}
	return l.b
}

func (l *lazyBrowser) CaptureFormPost(ctx context.Context, startUrl, targetPattern string) (string, error) {
	return l.get().CaptureFormPost(ctx, startUrl, targetPattern)
}

func (l *lazyBrowser) OpenVerification(ctx context.Context, url string) (<-chan struct{}, error) {
	return l.get().OpenVerification(ctx, url)
}

func (l *lazyBrowser) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.b != nil {
		l.b.Close()
		l.b = nil
	}
}
