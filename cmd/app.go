package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/marcus/dqsync/internal/auth"
	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/output"
	"github.com/marcus/dqsync/internal/registry"
	dqsync "github.com/marcus/dqsync/internal/sync"
	"github.com/marcus/dqsync/internal/syncconfig"
)

// app bundles the replica and the engine built on top of it for one command.
type app struct {
	store    *db.DB
	registry *registry.Registry
	orch     *dqsync.Orchestrator
	deviceID string
}

// openApp opens the replica and wires an orchestrator from the settings.
// background starts the push, pull and status loops once connected.
func openApp(background bool) (*app, error) {
	store, discarded, err := db.OpenOrDiscard(getBaseDir())
	if err != nil {
		output.Error("%v", err)
		return nil, err
	}
	if discarded != "" {
		output.Warning("replica could not be migrated; moved to %s and rebuilding from the server", discarded)
	}

	cfg, err := orchestratorConfig()
	if err != nil {
		store.Close()
		output.Error("%v", err)
		return nil, err
	}
	cfg.DisableBackground = !background

	store.SetLockRole("cli")

	reg := registry.New(store)
	orch := dqsync.New(store, cfg,
		dqsync.ClientBackend(syncconfig.GetServerURL(), cfg.RequestTimeout),
		reg,
	)
	if uid := syncconfig.GetUserID(); uid != "" {
		orch.Recorder().SetUserID(uid)
	}
	return &app{store: store, registry: reg, orch: orch, deviceID: cfg.DeviceID}, nil
}

// orchestratorConfig turns the layered settings into an orchestrator config.
func orchestratorConfig() (dqsync.Config, error) {
	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		return dqsync.Config{}, fmt.Errorf("get device id: %w", err)
	}
	strategy, err := dqsync.ParseStrategy(syncconfig.GetStrategy())
	if err != nil {
		return dqsync.Config{}, err
	}
	policy, err := dqsync.ParsePolicy(syncconfig.GetPolicy())
	if err != nil {
		return dqsync.Config{}, err
	}
	name, _ := os.Hostname()

	return dqsync.Config{
		DeviceID:       deviceID,
		DeviceName:     name,
		Platform:       runtime.GOOS,
		PullInterval:   syncconfig.GetPullInterval(),
		PushInterval:   syncconfig.GetPushInterval(),
		StatusInterval: syncconfig.GetStatusInterval(),
		RequestTimeout: syncconfig.GetRequestTimeout(),
		ReadTimeout:    syncconfig.GetReadTimeout(),
		PushBatchSize:  syncconfig.GetPushBatchSize(),
		HistoryRows:    syncconfig.GetHistoryRows(),
		Strategy:       strategy,
		Policy:         policy,
	}, nil
}

// tokenProvider re-reads the stored credential whenever the server rejects
// the cached one, so a token refreshed by another process is picked up.
func tokenProvider() auth.TokenProvider {
	return auth.NewRefreshing(syncconfig.GetToken(), func(context.Context) (string, error) {
		tok := syncconfig.GetToken()
		if tok == "" {
			return "", auth.ErrNoToken
		}
		return tok, nil
	})
}

// connect authenticates and bootstraps an empty replica.
func (a *app) connect(ctx context.Context) error {
	if !syncconfig.IsAuthenticated() {
		output.Error("not signed in (set DQ_TOKEN or write auth.json)")
		return dqsync.ErrNotAuthenticated
	}
	userID := syncconfig.GetUserID()
	if userID == "" {
		userID = auth.Subject(syncconfig.GetToken())
	}
	if err := a.orch.Connect(ctx, userID, "", tokenProvider()); err != nil {
		output.Error("connect: %v", err)
		return err
	}
	return nil
}

func (a *app) Close() {
	a.orch.Disconnect()
	a.store.Close()
}

// errorCode maps engine errors to the JSON error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, dqsync.ErrNotAuthenticated):
		return output.ErrCodeNotAuthenticated
	case errors.Is(err, dqsync.ErrNetwork), errors.Is(err, dqsync.ErrNotConnected):
		return output.ErrCodeNetwork
	case errors.Is(err, dqsync.ErrInvalidEvent):
		return output.ErrCodeInvalidInput
	case errors.Is(err, dqsync.ErrStorage), errors.Is(err, db.ErrLockTimeout):
		return output.ErrCodeDatabaseError
	}
	return output.ErrCodeInvalidInput
}

// reportError prints err as JSON or as a styled message.
func reportError(jsonOut bool, err error) {
	if jsonOut {
		output.JSONError(errorCode(err), err.Error())
		return
	}
	output.Error("%v", err)
}
