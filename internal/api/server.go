package api

import (
	"fmt"
	"net/http"
	"time"
)

// WriteTimeout bounds a whole request, including a claim redeem that waits
// out another redeem's provider call.
const WriteTimeout = 15 * time.Second

// NewServer wraps handler in an *http.Server listening on port.
func NewServer(port uint16, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
