package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *server) setupRouting() {
	const rootPath = "/v1"

	r := mux.NewRouter()

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "conduit")
	})
	r.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "User-agent: *\nDisallow: /")
	})

	v1 := r.PathPrefix(rootPath).Subrouter()

	v1.HandleFunc("/channels", s.listChannelsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/channels/setup", s.setupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/channels/{address}", s.channelHandler).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{address}/deposit", s.depositHandler).Methods(http.MethodPost)
	v1.HandleFunc("/channels/{address}/collateral", s.collateralHandler).Methods(http.MethodPost)
	v1.HandleFunc("/channels/{address}/withdraw", s.withdrawHandler).Methods(http.MethodPost)
	v1.HandleFunc("/channels/{address}/sync", s.syncHandler).Methods(http.MethodPost)
	v1.HandleFunc("/channels/{address}/withdrawals/{nonce}", s.withdrawalHandler).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{address}/withdrawals/{nonce}/submit", s.submitWithdrawalHandler).Methods(http.MethodPost)

	v1.HandleFunc("/channels/{address}/transfers", s.activeTransfersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{address}/transfers", s.createTransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/channels/{address}/transfers/{id}/resolve", s.resolveTransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/routing/{routingId}", s.routingTransfersHandler).Methods(http.MethodGet)

	v1.HandleFunc("/channels/{address}/dispute", s.disputeHandler).Methods(http.MethodPost)
	v1.HandleFunc("/channels/{address}/defund", s.defundHandler).Methods(http.MethodPost)
	v1.HandleFunc("/channels/{address}/transfers/{id}/dispute", s.disputeTransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/channels/{address}/transfers/{id}/defund", s.defundTransferHandler).Methods(http.MethodPost)

	v1.HandleFunc("/events", s.eventsWsHandler).Methods(http.MethodGet)

	registry := prometheus.NewRegistry()
	registry.MustRegister(s.Metrics()...)
	registry.MustRegister(s.channels.Metrics()...)
	if s.forwarding != nil {
		registry.MustRegister(s.forwarding.Metrics()...)
	}
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.Handler = s.corsHandler(s.accessLogHandler(r))
}

// accessLogHandler logs one line per request at trace level.
func (s *server) accessLogHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.RequestCount.Inc()
		s.logger.Tracef("api: %s %s", r.Method, r.URL.Path)
		h.ServeHTTP(w, r)
	})
}

func (s *server) corsHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Origin, Accept, Authorization, Content-Type, X-Requested-With")
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS, POST, PUT, DELETE")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *server) allowedOrigin(origin string) bool {
	for _, allowed := range s.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
