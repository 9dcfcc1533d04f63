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

//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/sid2001/FileVault/internal/server"
	"github.com/sid2001/FileVault/pkg/accounts"
	"github.com/sid2001/FileVault/pkg/audit"
	"github.com/sid2001/FileVault/pkg/blobstore"
	"github.com/sid2001/FileVault/pkg/catalog"
	"github.com/sid2001/FileVault/pkg/config"
	"github.com/sid2001/FileVault/pkg/contentstore"
	"github.com/sid2001/FileVault/pkg/pipeline"
	"github.com/sid2001/FileVault/pkg/quota"
	"github.com/sid2001/FileVault/pkg/ratelimit"
	"github.com/sid2001/FileVault/pkg/scheduler"
	"github.com/sid2001/FileVault/pkg/sharing"
	"github.com/spf13/viper"
)

var baseSet = wire.NewSet(
	config.ProvideConfig,
	ProvideLogger,
	ProvideDB,
)

var vaultSet = wire.NewSet(
	blobstore.ProvideBackend,
	contentstore.ProvideStore,
	sharing.ProvideManager,
	catalog.New,
	scheduler.ProvideScheduler,
)

var serverSet = wire.NewSet(
	quota.ProvideLedger,
	audit.New,
	accounts.New,
	pipeline.New,
	ratelimit.ProvideLimiter,
	server.NewHandler,
	server.ProvideHTTPServer,
	server.ProvideHealthServer,
)

func initializeApp(v *viper.Viper) (*App, func(), error) {
	panic(wire.Build(
		baseSet,
		vaultSet,
		serverSet,
		wire.Struct(new(App), "*"),
	))
}

func initializeMaintenance(v *viper.Viper) (*Maintenance, func(), error) {
	panic(wire.Build(
		baseSet,
		vaultSet,
		wire.Struct(new(Maintenance), "*"),
	))
}
