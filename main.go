// Command mstore is a message store service: it accepts messages into
// per-alias mailboxes with quota enforcement, optional encryption at rest,
// dedup, conversation threading and change notification.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mstore/alert"
	"github.com/mjl-/mstore/config"
	"github.com/mjl-/mstore/ingest"
	"github.com/mjl-/mstore/mlog"
	"github.com/mjl-/mstore/mstore-"
	"github.com/mjl-/mstore/push"
	"github.com/mjl-/mstore/store"
)

var version = "(devel)"

var xlog = mlog.New("main")

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xlog.Fatalx(fmt.Sprintf(format, args...), err)
	}
}

var commands []struct {
	cmd  string
	fn   func(args []string)
	help string
}

func init() {
	commands = []struct {
		cmd  string
		fn   func(args []string)
		help string
	}{
		{"serve", cmdServe, "run the message store service"},
		{"deliver", cmdDeliver, "append a message from stdin to an alias mailbox"},
		{"recalculatesize", cmdRecalculateSize, "recompute the storage usage of an alias"},
		{"config", cmdConfig, "print an example configuration file"},
		{"version", cmdVersion, "print version"},
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mstore [-config mstore.conf] command [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "\t%s\t%s\n", c.cmd, c.help)
	}
	os.Exit(2)
}

func main() {
	flag.StringVar(&mstore.ConfigStaticPath, "config", "mstore.conf", "path to configuration file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}
	for _, c := range commands {
		if c.cmd == args[0] {
			c.fn(args[1:])
			return
		}
	}
	usage()
}

func cmdVersion(args []string) {
	if len(args) != 0 {
		usage()
	}
	fmt.Println(version)
}

func cmdConfig(args []string) {
	if len(args) != 0 {
		usage()
	}
	static := config.Static{
		DataDir:  "data",
		LogLevel: "info",
		Domains: map[string]config.Domain{
			"example.org": {MaxAliasQuota: 1024 * 1024 * 1024},
		},
		Aliases: map[string]config.Alias{
			"mjl": {Domain: "example.org"},
		},
	}
	err := sconf.Describe(os.Stdout, static)
	xcheckf(err, "describing config")
}

func cmdServe(args []string) {
	if len(args) != 0 {
		usage()
	}
	mstore.MustLoadConfig()
	xlog.Print("starting", mlog.Field("version", version))

	stopSwitchboard := store.Switchboard()
	defer stopSwitchboard()
	stopSizeWorker := store.StartSizeWorker()
	defer stopSizeWorker()
	dispatcher := push.NewDispatcher(push.LogSender{Log: mlog.New("push")}, 2)
	defer dispatcher.Stop()

	if addr := mstore.Conf.Static.MetricsAddress; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			s := &http.Server{Addr: addr, Handler: mux}
			xlog.Print("metrics listener", mlog.Field("addr", addr))
			err := s.ListenAndServe()
			xlog.Fatalx("metrics listener", err)
		}()
	}

	// Open each alias once so stores are created/verified at startup instead
	// of on first delivery.
	for _, name := range mstore.Conf.Aliases() {
		acc, err := store.OpenAlias(name)
		xcheckf(err, "opening alias %q", name)
		err = acc.Close()
		xcheckf(err, "closing alias %q", name)
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	xlog.Print("shutting down", mlog.Field("signal", sig.String()))
	mstore.ShutdownCancel()
}

func cmdDeliver(args []string) {
	fs := flag.NewFlagSet("deliver", flag.ExitOnError)
	var flagsStr string
	var dedup, skipNotify bool
	fs.StringVar(&flagsStr, "flags", "", `comma-separated message flags, e.g. \Seen,\Draft`)
	fs.BoolVar(&dedup, "dedup", false, "return the existing message for a repeated identical delivery")
	fs.BoolVar(&skipNotify, "skipnotify", false, "do not fan out change notifications")
	fs.Parse(args)
	args = fs.Args()
	if len(args) != 2 {
		usage()
	}
	mstore.MustLoadConfig()
	aliasName, mailbox := args[0], args[1]

	raw, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message from stdin")

	acc, err := store.OpenAlias(aliasName)
	xcheckf(err, "opening alias %q", aliasName)
	defer acc.Close()

	stop := store.Switchboard()
	defer stop()

	ca, ok := acc.Conf()
	if !ok {
		xcheckf(fmt.Errorf("alias no longer configured"), "looking up alias %q", aliasName)
	}
	var mflags []string
	if flagsStr != "" {
		mflags = strings.Split(flagsStr, ",")
	}

	ap := ingest.NewAppender(acc, nil, alert.LogSender{Log: mlog.New("alert")})
	ctx := mstore.ContextCid(context.Background(), mstore.Cid())
	res, err := ap.Append(ctx, ingest.AppendRequest{
		MailboxName: mailbox,
		Flags:       mflags,
		Received:    time.Now(),
		Raw:         raw,
		Session: ingest.Session{
			AliasName:         aliasName,
			Domain:            ca.Config.Domain,
			Locale:            ca.Config.Locale,
			EncryptionEnabled: len(ca.PublicKey) > 0,
			PublicKey:         ca.PublicKey,
		},
		CheckExisting: dedup,
		SkipNotify:    skipNotify,
	})
	xcheckf(err, "delivering message")
	fmt.Printf("delivered: status %s, mailbox %s (id %d), uidvalidity %d, uid %d, modseq %d, id %d, size %d\n",
		res.Status, res.MailboxName, res.MailboxID, res.UIDValidity, res.UID, res.ModSeq, res.MessageID, res.Size)
}

func cmdRecalculateSize(args []string) {
	if len(args) != 1 {
		usage()
	}
	mstore.MustLoadConfig()

	acc, err := store.OpenAlias(args[0])
	xcheckf(err, "opening alias %q", args[0])
	defer acc.Close()

	size, err := acc.RecalculateSize(mstore.Context)
	xcheckf(err, "recalculating size")
	fmt.Printf("storage used: %d bytes\n", size)
}
