/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package chatkdc

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johanix/chatkdc/chatkdc/kdc"
)

func WalkRoutes(router *mux.Router, address string) {
	log.Printf("Defined API endpoints for router on: %s\n", address)

	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for m := range methods {
			log.Printf("%-6s %s\n", methods[m], path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.Panicf("Logging err: %s\n", err.Error())
	}
}

// SetupAPIRouter creates the root router with the operator endpoints that exist
// independently of the KDC. The KDC adds its own routes in StartKdc.
func (conf *Config) SetupAPIRouter(ctx context.Context) (*mux.Router, error) {
	r := mux.NewRouter().StrictSlash(true)
	apikey := conf.ApiServer.ApiKey
	if apikey == "" {
		return nil, fmt.Errorf("apiserver.apikey is not set")
	}

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", apikey).Subrouter()

	sr.HandleFunc("/ping", APIping(conf)).Methods("POST")
	sr.HandleFunc("/command", APIcommand(conf)).Methods("POST")
	sr.HandleFunc("/config", APIconfig(conf)).Methods("POST")

	return r, nil
}

// SetupKdcRoutes attaches the KDC to the root router:
//
//	/api/v1/kdc/...   operator API (X-API-Key)
//	/api/v1/chat/...  member API (identity header)
//	/api/v1/ws        member WebSocket (identity header)
//	/metrics          prometheus
func (conf *Config) SetupKdcRoutes(r *mux.Router) error {
	svc := conf.Internal.Service
	if svc == nil {
		return fmt.Errorf("KDC service not initialized")
	}
	header := conf.ApiServer.GetUserHeader()

	// the member routes are registered first so that a stray X-API-Key header
	// never shadows them
	cr := r.PathPrefix("/api/v1/chat").Subrouter()
	kdc.SetupUserAPIRoutes(cr, svc, header)

	if hub := conf.Internal.Hub; hub != nil {
		r.HandleFunc("/api/v1/ws", hub.HandleWS).Methods("GET")
	}

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", conf.ApiServer.ApiKey).Subrouter()
	kdc.SetupKdcAPIRoutes(sr, svc)

	if m := conf.Internal.Metrics; m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}
	return nil
}

func APIdispatcher(conf *Config, router *mux.Router, done <-chan struct{}) error {
	addresses := conf.ApiServer.Addresses
	certFile := conf.ApiServer.CertFile
	keyFile := conf.ApiServer.KeyFile

	if len(addresses) == 0 {
		log.Println("APIdispatcher: no addresses to listen on (key 'apiserver.addresses' not set). Not starting.")
		return fmt.Errorf("no addresses to listen on")
	}

	WalkRoutes(router, addresses[0])
	log.Println("")

	servers := make([]*http.Server, len(addresses))

	for idx, address := range addresses {
		servers[idx] = &http.Server{
			Addr:              address,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func(srv *http.Server, idx int) {
			var err error
			if conf.ApiServer.UseTLS() {
				log.Printf("Starting API dispatcher #%d. Listening on '%s' (TLS)\n", idx, srv.Addr)
				err = srv.ListenAndServeTLS(certFile, keyFile)
			} else {
				log.Printf("Starting API dispatcher #%d. Listening on '%s'\n", idx, srv.Addr)
				err = srv.ListenAndServe()
			}
			if err != http.ErrServerClosed {
				log.Fatalf("API dispatcher #%d: %v", idx, err)
			}
		}(servers[idx], idx)
	}

	<-done
	log.Println("Shutting down API servers...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("API server Shutdown: %v", err)
		}
	}
	return nil
}
