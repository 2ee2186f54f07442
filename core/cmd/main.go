package cmd

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // this is effectively a main package
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/vkcom/engine-go/srvfunc"
	"golang.org/x/sync/errgroup"

	"github.com/openmeasure/pointhouse/core/psql"
	"github.com/openmeasure/pointhouse/core/server"
)

var (
	// Build* can be filled in during build using go build -ldflags
	BuildTime    string
	BuildCommit  string
	buildVersion string
)

func init() {
	buildVersion = fmt.Sprintf(`pointhouse compiled at %s by %s after %s`, BuildTime, runtime.Version(), BuildCommit)

	log.SetFlags(log.LstdFlags | log.Lshortfile | log.Lmicroseconds)
}

func reopenLog() {
	if argv.log == "" {
		return
	}

	var err error
	logFd, err = srvfunc.LogRotate(logFd, argv.log)
	if err != nil {
		os.Stderr.WriteString(fmt.Sprintf(`Cannot log to file "%s": %s`, argv.log, err.Error()))
		return
	}

	log.SetOutput(logFd)
}

func logReopenThread(ch chan os.Signal) {
	for range ch {
		reopenLog()
	}
}

func serverConfig() server.Config {
	return server.Config{
		Backend:   argv.backend,
		SQLiteDir: argv.dir,
		PG: psql.Config{
			Host:     argv.pgHost,
			Port:     argv.pgPort,
			User:     argv.pgUser,
			Pass:     argv.pgPass,
			ConnInfo: argv.pgConnInfo,
		},
	}
}

// Main is the actual main function for the collection server.
func Main() {
	if argv.version {
		fmt.Fprint(os.Stderr, buildVersion, "\n")
		return
	} else if argv.help {
		flag.Usage()
		return
	}

	if argv.nProc > 0 {
		runtime.GOMAXPROCS(int(argv.nProc))
	}

	if argv.pprofHostPort != `` {
		go func() {
			if err := http.ListenAndServe(argv.pprofHostPort, nil); err != nil {
				log.Printf(`pprof listen fail: %s`, err.Error())
			}
		}()
	}

	cfg := serverConfig()

	if cfg.Backend == "psql" {
		if err := psql.Setup(cfg.PG); err != nil {
			log.Fatalf("PostgreSQL backend setup failed: %s", err.Error())
		}
	} else if cfg.Backend == "sqlite" {
		if _, err := os.Stat(argv.dir); err != nil {
			log.Fatalf("Bad dir for sqlite databases: %s", err.Error())
		}
	} else {
		log.Fatalf("Unknown backend '%s'", cfg.Backend)
	}

	updCh := make(chan os.Signal, 10)
	signal.Notify(updCh, syscall.SIGHUP, syscall.SIGUSR1)
	reopenLog()
	go logReopenThread(updCh)

	var g errgroup.Group
	g.Go(func() error {
		return server.ListenTCP(fmt.Sprintf("%s:%d", argv.host, argv.port), cfg)
	})
	g.Go(func() error {
		return server.ServeHTTP(fmt.Sprintf("%s:%d", argv.host, argv.httpPort), cfg)
	})

	fatalCh := make(chan error, 1)
	go func() {
		fatalCh <- g.Wait()
	}()

	sigChan := make(chan os.Signal, 10)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		log.Printf("Got signal %v, shutting down", sig)
	case err := <-fatalCh:
		log.Fatalf("Could not serve: %s", err.Error())
	}
}
