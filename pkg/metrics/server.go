package metrics

import (
	"fmt"
	"net/http"

	"github.com/ops-vsock/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the metrics of gatherer at path plus /healthz and an index page.
func Handler(gatherer prometheus.Gatherer, path, title string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
<head><title>` + title + `</title></head>
<body>
<h1>` + title + `</h1>
<p><a href="` + path + `">Metrics</a></p>
</body>
</html>`))
	})
	return mux
}

// Serve blocks serving Handler on addr.
func Serve(addr, path, title string, gatherer prometheus.Gatherer) error {
	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", addr, path)
	if err := http.ListenAndServe(addr, Handler(gatherer, path, title)); err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
