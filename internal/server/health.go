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
	"net"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "filevault"

type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer serves grpc.health.v1 and flips to NOT_SERVING while the
// database cannot be reached.
type HealthServer struct {
	addr     string
	db       Pinger
	interval time.Duration
	health   *health.Server
	log      logr.Logger
}

func NewHealthServer(addr string, db Pinger, interval time.Duration, log logr.Logger) *HealthServer {
	return &HealthServer{
		addr:     addr,
		db:       db,
		interval: interval,
		health:   health.NewServer(),
		log:      log.WithName("health"),
	}
}

func ProvideHealthServer(cfg *config.Config, db *gorm.DB, log logr.Logger) (*HealthServer, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WrapIf(err, "failed to get database handle")
	}
	return NewHealthServer(cfg.Server.HealthAddress, sqlDB, 10*time.Second, log), nil
}

func (s *HealthServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapIfWithDetails(err, "failed to listen", "address", s.addr)
	}
	return s.Serve(ctx, lis)
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)

	s.check(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting grpc health server", "address", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return errors.WrapIf(err, "grpc health server stopped")
		case <-ticker.C:
			s.check(ctx)
		case <-ctx.Done():
			s.health.Shutdown()
			srv.GracefulStop()
			s.log.Info("grpc health server stopped")
			return nil
		}
	}
}

func (s *HealthServer) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING

	pingCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	if err := s.db.PingContext(pingCtx); err != nil {
		s.log.Error(err, "database unreachable")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
