// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
)

// API is the RESTful admin interface of the emulator.
//
// The API provides the following REST routes:
//
//	GET /version
//	GET /things
//	GET /things/{thing}
//	GET /things/{thing}/reports?limit=n
//
// Reports are returned newest first with the original report document.
type API struct {
	registry  Registry
	jwtSecret []byte
	version   string
}

// APIBuilder is a builder helper for the API
type APIBuilder struct {
	// Registry is the emulator registry. This is mandatory.
	Registry Registry
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// JWTSecret enables HS256 bearer token authorization of all routes but /version.
	JWTSecret []byte
	// Version is reported by GET /version
	Version string
}

// MustNewAPI realizes the actual API and adds its routes to the router
func MustNewAPI(b *APIBuilder) *API {
	if b.Registry == nil {
		panic("Registry is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &API{
		registry:  b.Registry,
		jwtSecret: b.JWTSecret,
		version:   b.Version,
	}
	a.handleRoutes(b.Router)
	return a
}

type reportResponse struct {
	ThingName  string          `json:"thingName"`
	ReportID   uint64          `json:"reportId"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Report     json.RawMessage `json:"report"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("emulator: handle route /version GET")
	rlog.Debugln("emulator: handle route /things GET")
	rlog.Debugln("emulator: handle route /things/{thing} GET")
	rlog.Debugln("emulator: handle route /things/{thing}/reports GET")

	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": a.version})
	}).Methods(http.MethodGet)

	things := router.PathPrefix("/things").Subrouter()
	if len(a.jwtSecret) > 0 {
		things.Use(a.authorize)
	}

	things.HandleFunc("", func(w http.ResponseWriter, r *http.Request) {
		result, err := a.registry.Things(r.Context())
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("cannot list things")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, result)
	}).Methods(http.MethodGet)

	things.HandleFunc("/{thing}", func(w http.ResponseWriter, r *http.Request) {
		thing, err := a.registry.Thing(r.Context(), mux.Vars(r)["thing"])
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "no such thing", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, thing)
	}).Methods(http.MethodGet)

	things.HandleFunc("/{thing}/reports", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			var err error
			limit, err = strconv.Atoi(s)
			if err != nil || limit < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
		}
		reports, err := a.registry.Reports(r.Context(), mux.Vars(r)["thing"], limit)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "no such thing", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		result := make([]reportResponse, 0, len(reports))
		for _, s := range reports {
			result = append(result, reportResponse{
				ThingName:  s.ThingName,
				ReportID:   s.ReportID,
				ReceivedAt: s.ReceivedAt,
				Report:     s.Report,
			})
		}
		writeJSON(w, result)
	}).Methods(http.MethodGet)
}

// authorize requires a valid HS256 bearer token
func (a *API) authorize(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := r.Header.Get("Authorization")
		if len(bearer) < 8 || strings.ToLower(bearer[:7]) != "bearer " {
			http.Error(w, "bearer token missing", http.StatusUnauthorized)
			return
		}
		claims := jwt.StandardClaims{}
		token, err := jwt.ParseWithClaims(bearer[7:], &claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return a.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), claims.Subject)
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
