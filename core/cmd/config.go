package cmd

import (
	"flag"
	"os"
)

var (
	argv struct {
		host     string
		port     uint
		httpPort uint
		help     bool
		version  bool
		log      string

		nProc         uint
		pprofHostPort string

		backend string
		dir     string

		pgHost     string
		pgPort     string
		pgUser     string
		pgPass     string
		pgConnInfo string
	}

	logFd *os.File
)

// getEnv reads an environment variable or returns a default value.
func getEnv(key string, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func init() {
	// actions
	flag.BoolVar(&argv.help, `h`, false, `show this help`)
	flag.BoolVar(&argv.version, `version`, false, `show version`)

	// common options
	flag.StringVar(&argv.host, `host`, `0.0.0.0`, `listening host`)
	flag.UintVar(&argv.port, `port`, 3003, `measurement stream port`)
	flag.UintVar(&argv.port, `p`, 3003, `measurement stream port`)
	flag.UintVar(&argv.httpPort, `http-port`, 3004, `status/debug http port`)
	flag.StringVar(&argv.log, `l`, ``, `log file (if needed)`)
	flag.UintVar(&argv.nProc, `cores`, uint(0), `max cpu cores usage`)
	flag.StringVar(&argv.pprofHostPort, `pprof`, ``, `host:port for http pprof`)

	// storage options; environment supplies defaults, explicit flags win
	flag.StringVar(&argv.backend, `backend`, `psql`, `storage backend: psql or sqlite`)
	flag.StringVar(&argv.dir, `dir`, `/var/lib/pointhouse`, `dir for sqlite experiment databases`)
	flag.StringVar(&argv.pgHost, `pg-host`, getEnv(`OML_PG_HOST`, `localhost`), `postgresql host`)
	flag.StringVar(&argv.pgPort, `pg-port`, getEnv(`OML_PG_PORT`, `5432`), `postgresql port or service name`)
	flag.StringVar(&argv.pgUser, `pg-user`, getEnv(`OML_PG_USER`, `oml`), `postgresql user`)
	flag.StringVar(&argv.pgPass, `pg-pass`, getEnv(`OML_PG_PASS`, ``), `postgresql password`)
	flag.StringVar(&argv.pgConnInfo, `pg-conninfo`, getEnv(`OML_PG_CONNINFO`, ``), `extra postgresql conninfo keywords`)

	flag.Parse()
}
