package main

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/kelseyhightower/envconfig"

	"github.com/hayupadhyaya/tunelink/pkg/peer"
	"github.com/hayupadhyaya/tunelink/pkg/signaling"
)

type config struct {
	Port        string `envconfig:"PORT" default:"3000"`
	StunServers string `envconfig:"STUN_SERVERS" default:"stun:stun.l.google.com:19302"`
}

func main() {
	var conf config
	if err := envconfig.Process("", &conf); err != nil {
		log.Fatalf("failed to process config: %+v", err)
	}
	log.Printf("load config: %+v", conf)

	var iceServers []peer.ICEServer
	for _, u := range strings.Split(conf.StunServers, ",") {
		if u = strings.TrimSpace(u); u != "" {
			iceServers = append(iceServers, peer.ICEServer{URLs: []string{u}})
		}
	}

	sv := signaling.NewServer(iceServers)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Handle("/signal", sv.WebSocketHandler())

	addr := fmt.Sprintf(":%s", conf.Port)
	log.Printf("tunelink signaling server is listening on %s...", addr)
	log.Fatal(http.ListenAndServe(addr, r))
}
