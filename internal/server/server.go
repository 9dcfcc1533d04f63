// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/config"
	"github.com/sid2001/FileVault/pkg/ratelimit"
)

// HTTPServer owns the hertz engine serving the API.
type HTTPServer struct {
	hertz          *server.Hertz
	shutdownPeriod time.Duration
	log            logr.Logger
}

// Build returns a hertz engine with every route registered. Request bodies
// are streamed so uploads are never buffered whole.
func Build(addr string, maxBody int, handler *Handler, limiter ratelimit.Limiter, log logr.Logger) *server.Hertz {
	h := server.Default(
		server.WithHostPorts(addr),
		server.WithMaxRequestBodySize(maxBody),
		server.WithStreamBody(true),
		server.WithDisablePrintRoute(true),
	)
	Register(h, handler, limiter, log)
	return h
}

func ProvideHTTPServer(cfg *config.Config, handler *Handler, limiter ratelimit.Limiter, log logr.Logger) *HTTPServer {
	log = log.WithName("http")
	return &HTTPServer{
		hertz:          Build(cfg.Server.Address, cfg.Server.MaxBodyBytes, handler, limiter, log),
		shutdownPeriod: cfg.Server.ShutdownPeriod,
		log:            log,
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests for at
// most the shutdown period.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting http server")
		errCh <- s.hertz.Run()
	}()

	select {
	case err := <-errCh:
		return errors.WrapIf(err, "http server stopped")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownPeriod)
	defer cancel()

	if err := s.hertz.Shutdown(shutdownCtx); err != nil {
		return errors.WrapIf(err, "failed to shut down http server")
	}
	s.log.Info("http server stopped")
	return nil
}
