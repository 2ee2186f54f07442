package server

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/openmeasure/pointhouse/core/schema"
)

var (
	// insert (POST) parameters
	queryKeyExperiment = []byte("experiment") // experiment id selecting the database
	queryKeySchema     = []byte("schema")     // schema declaration without index, e.g. "power v:double ok:bool"
	queryKeySender     = []byte("sender")     // sender name, defaults to "http"
)

type httpServer struct {
	cfg Config
}

// ServeHTTP runs the status and debug-insert endpoint. It only returns
// on listener failure.
func ServeHTTP(hostport string, cfg Config) error {
	h := &httpServer{cfg: cfg}
	srv := &fasthttp.Server{
		MaxRequestBodySize: 16 << 20,
		Handler:            h.handleRequest,
	}

	log.Printf("Listening %s (HTTP)", hostport)
	return srv.ListenAndServe(hostport)
}

func (srv *httpServer) handleRequest(ctx *fasthttp.RequestCtx) {
	switch {
	case ctx.IsGet():
		srv.handleGET(ctx)
	case ctx.IsPost():
		srv.handlePOST(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
	}
}

func (srv *httpServer) handleGET(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/status":
		m := make(map[string]string)
		AddStats(m)

		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(ctx, "%s\t%s\n", k, m[k])
		}
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// handlePOST accepts one-shot measurement rows for debugging:
// POST /insert?experiment=e&schema=power+v:double, body lines are
// "<ts>\t<seq>\t<v1>...".
func (srv *httpServer) handlePOST(ctx *fasthttp.RequestCtx) {
	if string(ctx.Path()) != "/insert" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	args := ctx.QueryArgs()

	experiment := string(args.PeekBytes(queryKeyExperiment))
	if experiment == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.WriteString("POST-parameter `experiment` is missing")
		return
	}

	schemaDecl := string(args.PeekBytes(queryKeySchema))
	if schemaDecl == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.WriteString("POST-parameter `schema` is missing")
		return
	}

	sender := string(args.PeekBytes(queryKeySender))
	if sender == "" {
		sender = "http"
	}

	// the wire form carries a stream index; one-shot inserts do not
	_, sc, err := schema.FromMeta("1 " + schemaDecl)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		fmt.Fprintf(ctx, "bad schema: %s", err.Error())
		return
	}

	if err := srv.insertRows(experiment, sender, sc, string(ctx.PostBody())); err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.WriteString(err.Error())
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (srv *httpServer) insertRows(experiment, sender string, sc *schema.Schema, body string) error {
	db, err := acquireDatabase(srv.cfg, experiment)
	if err != nil {
		return err
	}
	defer releaseDatabase(experiment)

	tbl, err := db.RegisterSchema(sc)
	if err != nil {
		return err
	}

	senderID, err := db.AddSender(sender)
	if err != nil {
		return err
	}

	for _, ln := range strings.Split(body, "\n") {
		ln = strings.TrimRight(ln, "\r")
		if ln == "" {
			continue
		}

		cols := strings.Split(ln, "\t")
		if len(cols) < 2 {
			return fmt.Errorf("line '%s' needs at least ts and seq", ln)
		}

		m, err := parseMeasurementLine(cols[0] + "\t1\t" + strings.Join(cols[1:], "\t"))
		if err != nil {
			return err
		}

		if len(m.fields) != len(sc.Fields) {
			return fmt.Errorf("line '%s' has %d values for %d fields", ln, len(m.fields), len(sc.Fields))
		}

		values := make([]schema.Value, len(sc.Fields))
		for k, text := range m.fields {
			if values[k], err = schema.ParseValue(sc.Fields[k].Type, text); err != nil {
				return fmt.Errorf("value %d of line '%s': %s", k, ln, err.Error())
			}
		}

		if err := db.Insert(tbl, senderID, m.seq, m.ts, values); err != nil {
			return err
		}
	}

	return nil
}
