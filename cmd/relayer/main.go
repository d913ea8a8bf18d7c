// Command relayer is the process entry point: it loads configuration,
// wires up the chain clients, signer, and cursor store once, then hands a
// generation-building closure to the supervisor and runs until an
// interrupt or SIGTERM arrives; a circuit-breaker trip only makes the
// supervisor respawn the workers.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cardinal-cryptography/most-relayer/pkg/adminserver"
	"github.com/cardinal-cryptography/most-relayer/pkg/breaker"
	"github.com/cardinal-cryptography/most-relayer/pkg/chain/azero"
	"github.com/cardinal-cryptography/most-relayer/pkg/chain/eth"
	"github.com/cardinal-cryptography/most-relayer/pkg/config"
	"github.com/cardinal-cryptography/most-relayer/pkg/cursor"
	"github.com/cardinal-cryptography/most-relayer/pkg/handler"
	"github.com/cardinal-cryptography/most-relayer/pkg/healthmon"
	"github.com/cardinal-cryptography/most-relayer/pkg/listener"
	logpkg "github.com/cardinal-cryptography/most-relayer/pkg/log"
	"github.com/cardinal-cryptography/most-relayer/pkg/metrics"
	"github.com/cardinal-cryptography/most-relayer/pkg/signer"
	"github.com/cardinal-cryptography/most-relayer/pkg/supervisor"
)

var shutdownChannel = make(chan struct{})

// relayerMain is the true entry point; kept separate from main so that
// deferred cleanups run even when the process exits non-zero (a bare
// os.Exit in main would skip them).
func relayerMain() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	if err := logpkg.InitLogRotator(cfg.LogDir, cfg.DebugLevel); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logpkg.Logger(logpkg.SubsystemSupervisor)
	log.Info("starting most-relayer")

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	sgnr, err := buildSigner(cfg)
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}
	if rs, ok := sgnr.(*signer.RemoteSigner); ok {
		rs.LockHeld = reg.SignerLockHeld
	}

	store, err := buildCursorStore(cfg)
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer store.Close()

	if cfg.Azero.OverrideCache {
		seed := uint64(0)
		if cfg.Azero.DefaultSyncFrom > 0 {
			seed = cfg.Azero.DefaultSyncFrom - 1
		}
		if err := cursor.Seed(context.Background(), store, cfg.Name, cursor.ChainAzero, seed); err != nil {
			return fmt.Errorf("seed azero cursor override: %w", err)
		}
	}
	if cfg.Eth.OverrideCache {
		seed := uint64(0)
		if cfg.Eth.DefaultSyncFrom > 0 {
			seed = cfg.Eth.DefaultSyncFrom - 1
		}
		if err := cursor.Seed(context.Background(), store, cfg.Name, cursor.ChainEth, seed); err != nil {
			return fmt.Errorf("seed eth cursor override: %w", err)
		}
	}

	blacklist, err := cfg.ParsedBlacklist()
	if err != nil {
		return fmt.Errorf("parse blacklist: %w", err)
	}
	bl := handler.NewBlacklist(blacklist)

	azeroClient, err := azero.Dial(azero.Config{
		WSEndpoint:       cfg.Azero.WSEndpoint,
		MostContract:     cfg.Azero.MostContract,
		RefTimeLimit:     cfg.Azero.RefTimeLimit,
		ProofSizeLimit:   cfg.Azero.ProofSizeLimit,
		FetchConcurrency: 8,
		Log:              logpkg.Logger(logpkg.SubsystemAzero),
	})
	if err != nil {
		return fmt.Errorf("dial azero: %w", err)
	}
	defer azeroClient.Close()

	ethCtx, ethCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer ethCancel()
	ethClient, err := eth.Dial(ethCtx, eth.Config{
		RPCEndpoint:            cfg.Eth.RPCEndpoint,
		MostContract:           common.HexToAddress(cfg.Eth.MostContract),
		ChainID:                new(big.Int).SetUint64(cfg.Eth.ChainID),
		FinalityMode:           ethFinalityMode(cfg.Eth.FinalityMode),
		GasLimit:               cfg.Eth.GasLimit,
		TxMinConfirmations:     cfg.Eth.TxMinConfirmations,
		SubmissionRetries:      cfg.Eth.SubmissionRetries,
		GasEscalatorMultiplier: cfg.Eth.GasEscalatorMultiplier,
		GasEscalatorPeriod:     cfg.Eth.GasEscalatorPeriod,
		RateLimit:              cfg.Eth.RateLimit,
		Burst:                  cfg.Eth.Burst,
		Log:                    logpkg.Logger(logpkg.SubsystemEth),
	})
	if err != nil {
		return fmt.Errorf("dial eth: %w", err)
	}
	defer ethClient.Close()

	ethAccount, err := sgnr.EthAddress(context.Background())
	if err != nil {
		return fmt.Errorf("fetch eth guardian address: %w", err)
	}
	azeroAccount, err := sgnr.AccountIDAzero(context.Background())
	if err != nil {
		return fmt.Errorf("fetch azero guardian account: %w", err)
	}
	var azeroAccountKey [32]byte
	if keyBytes, err := hex.DecodeString(strings.TrimPrefix(azeroAccount, "0x")); err == nil {
		copy(azeroAccountKey[:], keyBytes)
	}
	genesisHash, specVersion, txVersion, err := azeroClient.SigningParams(context.Background())
	if err != nil {
		return fmt.Errorf("fetch azero signing params: %w", err)
	}
	signAzeroExtrinsic := azero.SignExtrinsicFunc(
		azeroClient.Metadata(), genesisHash, specVersion, txVersion, azeroAccountKey, sgnr,
	)

	statusFn := func() adminserver.StatusSnapshot {
		azeroHead, _ := azeroClient.FinalizedHead(context.Background())
		ethHead, _ := ethClient.FinalizedHead(context.Background())
		azeroCursor, _ := store.Read(context.Background(), cfg.Name, cursor.ChainAzero, cfg.Azero.DefaultSyncFrom)
		ethCursor, _ := store.Read(context.Background(), cfg.Name, cursor.ChainEth, cfg.Eth.DefaultSyncFrom)
		reg.CursorLag.WithLabelValues("azero").Set(float64(azeroHead) - float64(azeroCursor))
		reg.CursorLag.WithLabelValues("eth").Set(float64(ethHead) - float64(ethCursor))
		return adminserver.StatusSnapshot{
			Name: cfg.Name,
			Cursors: map[string]uint64{
				"azero": azeroCursor,
				"eth":   ethCursor,
			},
		}
	}

	admin := adminserver.New(adminserver.Config{
		ListenAddr:  cfg.AdminListenAddr,
		TLSCertPath: cfg.AdminTLSCertPath,
		TLSKeyPath:  cfg.AdminTLSKeyPath,
		Breaker:     breaker.New(),
		Status:      statusFn,
		Cursor:      store,
		RelayerName: cfg.Name,
		Log:         logpkg.Logger(logpkg.SubsystemAdmin),
	})
	if err := admin.Start(); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}
	defer admin.Stop()

	build := func() (supervisor.Generation, error) {
		br := breaker.New()
		br.OnTrip(reg.ObserveBreakerEvent)
		admin.SetBreaker(br)
		reg.WorkerRestarts.Inc()

		azeroToEthChan := make(chan listener.Batch, 32)
		ethToAzeroChan := make(chan listener.Batch, 1)

		azeroSourceListener := listener.New(listener.Config{
			Name:            cfg.Name,
			Chain:           cursor.ChainAzero,
			Cursor:          store,
			Breaker:         br,
			BreakerSide:     breaker.SideAzero,
			FinalizedHead:   azeroClient.FinalizedHead,
			FetchEvents:     azeroClient.FetchEvents,
			SyncStep:        cfg.SyncStep,
			PollInterval:    cfg.Azero.PollInterval,
			DefaultSyncFrom: cfg.Azero.DefaultSyncFrom,
			BatchChan:       azeroToEthChan,
			Log:             logpkg.Logger(logpkg.SubsystemListener),
		})
		ethSourceListener := listener.New(listener.Config{
			Name:            cfg.Name,
			Chain:           cursor.ChainEth,
			Cursor:          store,
			Breaker:         br,
			BreakerSide:     breaker.SideEth,
			FinalizedHead:   ethClient.FinalizedHead,
			FetchEvents:     ethClient.FetchEvents,
			SyncStep:        cfg.SyncStep,
			PollInterval:    cfg.Eth.PollInterval,
			DefaultSyncFrom: cfg.Eth.DefaultSyncFrom,
			BatchChan:       ethToAzeroChan,
			Log:             logpkg.Logger(logpkg.SubsystemListener),
		})

		haltAzero := listener.NewHaltListener(listener.HaltConfig{
			Side:         breaker.SideAzero,
			IsHalted:     azeroClient.IsHalted,
			PollInterval: cfg.Azero.PollInterval,
			Breaker:      br,
			Log:          logpkg.Logger(logpkg.SubsystemListener),
		})
		haltEth := listener.NewHaltListener(listener.HaltConfig{
			Side:         breaker.SideEth,
			IsHalted:     ethClient.Paused,
			PollInterval: cfg.Eth.PollInterval,
			Breaker:      br,
			Log:          logpkg.Logger(logpkg.SubsystemListener),
		})

		azeroHealth := healthmon.New(healthmon.Config{
			Side: breaker.SideAzero,
			Check: func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_, err := azeroClient.FinalizedHead(ctx)
				return err
			},
			Interval: cfg.Azero.PollInterval,
			Timeout:  10 * time.Second,
			Breaker:  br,
		})
		ethHealth := healthmon.New(healthmon.Config{
			Side: breaker.SideEth,
			Check: func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_, err := ethClient.FinalizedHead(ctx)
				return err
			},
			Interval: cfg.Eth.PollInterval,
			Timeout:  10 * time.Second,
			Breaker:  br,
		})

		workers := []supervisor.Worker{
			azeroSourceListener,
			ethSourceListener,
			haltAzero,
			haltEth,
			azeroHealth,
			ethHealth,
		}

		if len(cfg.Azero.AdvisoryContracts) > 0 {
			workers = append(workers, listener.NewAdvisoryListener(listener.AdvisoryConfig{
				Contracts: cfg.Azero.AdvisoryContracts,
				IsEmergency: func(ctx context.Context, contract string) (bool, error) {
					emergency, _, err := azeroClient.IsEmergency(ctx, contract)
					return emergency, err
				},
				PollInterval: cfg.Azero.PollInterval,
				Breaker:      br,
				Log:          logpkg.Logger(logpkg.SubsystemListener),
			}))
		}

		ethToAzeroHandler := handler.NewEthToAzeroHandler(handler.EthToAzeroConfig{
			BatchChan:            ethToAzeroChan,
			Breaker:              br,
			Blacklist:            bl,
			Metrics:              reg,
			Account:              azeroAccount,
			Sign:                 signAzeroExtrinsic,
			IsInCommittee:        azeroClient.IsInCommittee,
			CurrentCommitteeID:   azeroClient.CurrentCommitteeID,
			NeedsSignature:       azeroClient.NeedsSignature,
			Submit:               azeroClient.SubmitReceiveRequest,
			FinalityWaitInterval: time.Second,
			Log:                  logpkg.Logger(logpkg.SubsystemHandler),
		})
		azeroToEthHandler := handler.NewAzeroToEthHandler(handler.AzeroToEthConfig{
			BatchChan:            azeroToEthChan,
			Breaker:              br,
			Blacklist:            bl,
			Metrics:              reg,
			Account:              common.BytesToAddress(ethAccount[:]),
			Sign:                 sgnr.SignEthHash,
			IsInCommittee:        ethClient.IsInCommittee,
			CurrentCommitteeID:   ethClient.CurrentCommitteeID,
			NeedsSignature:       ethClient.NeedsSignature,
			Submit:               ethClient.SubmitReceiveRequest,
			FinalityWaitInterval: 60 * time.Second,
			Log:                  logpkg.Logger(logpkg.SubsystemHandler),
		})

		workers = append(workers, ethToAzeroHandler, azeroToEthHandler)

		return supervisor.Generation{Workers: workers, Breaker: br}, nil
	}

	onReady := func() {
		log.Info("first generation ready, notifying systemd")
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.Warnf("sd_notify ready failed: %v", err)
		} else if sent {
			go watchdogLoop(log)
		}
	}

	sv := supervisor.New(supervisor.Config{
		Build:   build,
		Backoff: cfg.SupervisorBackoff,
		Log:     log,
	}, onReady)
	if err := sv.Start(); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	defer sv.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		close(shutdownChannel)
	}()

	<-shutdownChannel
	log.Info("shutdown complete")
	return nil
}

// watchdogLoop pings systemd's watchdog at half its configured interval,
// for units declared with WatchdogSec= and Type=notify.
func watchdogLoop(log interface{ Infof(string, ...interface{}) }) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for range t.C {
		daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	}
}

func buildSigner(cfg *config.Config) (signer.Signer, error) {
	if cfg.Signer.Dev {
		return signer.NewDevSigner()
	}
	if cfg.Signer.Host != "" {
		return signer.DialRemote("tcp", fmt.Sprintf("%s:%d", cfg.Signer.Host, cfg.Signer.Port), 10*time.Second)
	}
	return nil, fmt.Errorf("vsock signer dialing (signer_cid=%d) requires a platform-specific AF_VSOCK dialer not wired into this binary; pass signer_host for TCP or dev for local testing", cfg.Signer.CID)
}

func buildCursorStore(cfg *config.Config) (cursor.Store, error) {
	switch {
	case cfg.CursorDSN == "":
		return cursor.OpenBolt(".")
	case strings.HasPrefix(cfg.CursorDSN, "bolt://"):
		return cursor.OpenBolt(strings.TrimPrefix(cfg.CursorDSN, "bolt://"))
	case strings.HasPrefix(cfg.CursorDSN, "etcd://"):
		endpoints := strings.Split(strings.TrimPrefix(cfg.CursorDSN, "etcd://"), ",")
		return cursor.OpenEtcd(endpoints, 5*time.Second)
	default:
		return cursor.OpenPostgres(context.Background(), cfg.CursorDSN)
	}
}

func ethFinalityMode(mode string) string {
	if mode == "l2" {
		return "latest"
	}
	return "finalized"
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := relayerMain(); err != nil {
		fmt.Fprintf(os.Stderr, "[relayer] %v\n", err)
		os.Exit(1)
	}
}
