package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/G1nga-synn3r/smirkle-sub001/internal/scorestore"
	"github.com/G1nga-synn3r/smirkle-sub001/internal/tuning"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), magnetometer=(), gyroscope=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *Config, log *logrus.Logger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("smirkle v" + releaseVersion + "\n"))
		if err != nil {
			log.WithError(err).Error("writing version page")

			return
		}

		log.WithFields(logrus.Fields{
			"size":     humanReadableSize(int64(written)),
			"client":   realIP(r),
			"duration": time.Since(startTime).Round(time.Microsecond).String(),
		}).Debug("served version page")
	}
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	log := newLogger(cfg)
	log.WithField("version", releaseVersion).Info("starting smirkle")

	tun, err := tuning.Load(cfg.tuningFile)
	if err != nil {
		return err
	}

	var store scorestore.Store = scorestore.Discard{}
	if cfg.scoreDB != "" {
		sqlStore, err := scorestore.Open(cfg.scoreDB)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	mux := httprouter.New()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		_, _ = w.Write([]byte(newPage("Server Error", "An error has occurred. Please try again.")))
	}

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/", serveHomePage(cfg))

	mux.GET(cfg.prefix+"/favicons/*favicon", serveFavicons(cfg, log))

	mux.GET(cfg.prefix+"/assets/*asset", serveAssets(cfg, log))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, log))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, log))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, log))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	gm := registerSmirkleGame(cfg, "/smirkle", mux, log, tun, store)

	if cfg.tuningFile != "" {
		err := tuning.Watch(cfg.tuningFile, func(next tuning.Config, err error) {
			if err != nil {
				log.WithError(err).Warn("tuning reload skipped")
				return
			}
			gm.retune(next)
			log.Info("tuning reloaded")
		})
		if err != nil {
			return err
		}
	}

	go func() {
		var err error
		log.WithField("url", cfg.scheme()+"://"+srv.Addr+cfg.prefix+"/").Info("listening")
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
