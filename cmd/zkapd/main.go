package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/api"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/client"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/clock"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/config"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/controller"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/ledger"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/price"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/recovery"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/redeemer"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/replica"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/replicate"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/rpc"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/storage"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/version"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	log.Info("zkapd starting", zap.String("version", version.Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Ledger ────────────────────────────────────────────────────────────────
	clk := clock.Real()
	store, err := ledger.Open(ctx, ledger.Config{
		Path:      cfg.Ledger.Path,
		PassValue: cfg.Pricing.PassValue,
		Clock:     clk,
		Logger:    log.Named("ledger"),
	})
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	// ── Redeemer + controller ─────────────────────────────────────────────────
	signers := make([]common.Address, 0, len(cfg.Issuer.SignerList()))
	for _, s := range cfg.Issuer.SignerList() {
		if !common.IsHexAddress(s) {
			log.Fatal("invalid ALLOWED_SIGNERS entry", zap.String("signer", s))
		}
		signers = append(signers, common.HexToAddress(s))
	}
	verifier := pass.NewVerifier(signers...)

	opts := redeemer.Options{
		Kind:         cfg.Redeemer.Kind,
		URL:          cfg.Redeemer.URL,
		ErrorDetails: cfg.Redeemer.ErrorDetails,
		Verifier:     verifier,
	}
	if cfg.Redeemer.SigningKey != "" {
		key, err := crypto.HexToECDSA(cfg.Redeemer.SigningKey)
		if err != nil {
			log.Fatal("invalid REDEEMER_SIGNING_KEY", zap.Error(err))
		}
		opts.SigningKey = key
	}
	r, err := redeemer.New(opts)
	if err != nil {
		log.Fatal("redeemer init failed", zap.Error(err))
	}

	ctrl := controller.New(store, r, controller.Config{
		DefaultTokenCount: cfg.Redemption.DefaultTokenCount,
		Timeout:           cfg.Redemption.Timeout(),
		RetryInterval:     cfg.Redemption.RetryInterval(),
		MaxAttempts:       cfg.Redemption.MaxAttempts,
	}, log.Named("controller"))
	defer ctrl.Close()
	if err := ctrl.ResumePending(ctx); err != nil {
		log.Error("resume pending redemptions failed", zap.Error(err))
	}

	calc, err := price.NewCalculator(cfg.Shares.Needed, cfg.Shares.Total, cfg.Pricing.PassValue)
	if err != nil {
		log.Fatal("price calculator init failed", zap.Error(err))
	}

	// ── Storage service ───────────────────────────────────────────────────────
	var (
		grpcSrv *grpc.Server
		remote  client.Storage
	)
	if cfg.Storage.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		backend := storage.NewRedisBackend(rdb, storage.RedisConfig{
			Capacity:        cfg.Storage.Capacity,
			ApplicationName: "zkapd/" + version.Version,
			Clock:           clk,
		})
		gw := storage.NewGateway(backend, storage.NewSpentRegistry(rdb), verifier, cfg.Pricing.PassValue, log.Named("storage"))
		remote = gw
		go gw.RunReservationSweeper(ctx, 10*time.Minute, storage.DefaultReservationMaxAge)

		lis, err := net.Listen("tcp", cfg.Storage.Listen)
		if err != nil {
			log.Fatal("storage listen failed", zap.String("addr", cfg.Storage.Listen), zap.Error(err))
		}
		grpcSrv = rpc.NewGRPCServer(rpc.NewServer(gw, log.Named("rpc")), log.Named("rpc"))
		go func() {
			log.Info("storage gRPC server starting", zap.String("addr", cfg.Storage.Listen))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatal("storage gRPC server error", zap.Error(err))
			}
		}()
	}
	if cfg.Storage.ServerAddr != "" {
		conn, err := rpc.Dial(cfg.Storage.ServerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Fatal("storage dial failed", zap.String("addr", cfg.Storage.ServerAddr), zap.Error(err))
		}
		defer conn.Close() //nolint:errcheck
		remote = rpc.NewClient(conn)
	}

	// ── Lease maintenance ─────────────────────────────────────────────────────
	if remote != nil {
		sc := client.New(store, remote, client.Config{
			PassValue:   cfg.Pricing.PassValue,
			LeaseSecret: []byte(cfg.Lease.Secret),
		}, log.Named("client"))
		maint := client.NewLeaseMaintainer(sc, store, clk,
			cfg.Lease.MinTimeRemaining(), cfg.Lease.MaintenanceInterval(), log.Named("lease"))
		go maint.Run(ctx)
	}

	// ── Replication + recovery ────────────────────────────────────────────────
	var replicator api.Replicator
	if cfg.Replication.Repository != "" {
		target, err := replica.NewStore(cfg.Replication.Repository)
		if err != nil {
			log.Fatal("replica store init failed", zap.Error(err))
		}
		rep := replicate.New(store, target, cfg.Replication.UploadInterval(), log.Named("replicate"))
		go rep.Run(ctx)
		replicator = rep
	}
	recoverer := recovery.New(store, recovery.RegistryDownloader(), log.Named("recovery"))

	// ── Goroutines ────────────────────────────────────────────────────────────
	go ctrl.RunRetries(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	h := api.NewHandler(api.Deps{
		Controller:       ctrl,
		Store:            store,
		Calculator:       calc,
		MinTimeRemaining: cfg.Lease.MinTimeRemaining(),
		Replicator:       replicator,
		Recoverer:        recoverer,
		Log:              log.Named("api"),
	})
	h.Register(router.Group("/storage-plugins/privatestorageio-zkapauthz-v2", api.Middleware(cfg.API.Token)))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info("shutdown complete")
}
