package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouteConfig struct {
	CORSOrigins    []string
	RateLimitRPM   int
	RequestTimeout time.Duration
	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler
}

func (h *Handler) Routes(m *Middleware, cfg RouteConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(m.CORS(cfg.CORSOrigins))
	if cfg.RateLimitRPM > 0 {
		r.Use(m.RateLimit(cfg.RateLimitRPM))
	}

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		// Live updates stream indefinitely, so they sit outside the timeout group
		if h.wsHub != nil {
			r.Get("/ws", h.HandleWebSocket)
		}
		if h.sseHandler != nil {
			r.Get("/stream", h.HandleSSE)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5, "application/json"))
			r.Use(m.Timeout(cfg.RequestTimeout))

			// Reads
			r.Get("/pools", h.ListPools)
			r.Get("/pools/{poolID}", h.GetPool)
			r.Get("/pools/{poolID}/quote", h.GetPoolQuote)
			r.Get("/pools/{poolID}/users/{owner}", h.GetUserPosition)
			r.Get("/vaults", h.ListVaults)
			r.Get("/vaults/{vaultID}", h.GetVault)
			r.Get("/vaults/{vaultID}/quote", h.GetVaultQuote)
			r.Get("/vaults/{vaultID}/receipts/{owner}", h.GetReceipts)
			r.Get("/lockers", h.ListLockers)
			r.Get("/lockers/{lockerID}", h.GetLocker)
			r.Get("/lockers/{lockerID}/receipts/{owner}", h.GetLockReceipts)
			r.Get("/ledger/{account}", h.GetBalances)
			r.Get("/events/recent", h.GetRecentEvents)
			r.Get("/users/{address}/events", h.GetUserEvents)

			// Signed operations
			r.Group(func(r chi.Router) {
				r.Use(m.Authenticate)

				r.Post("/pools", h.CreatePool)
				r.Post("/pools/{poolID}/fund", h.FundPool)
				r.Post("/pools/{poolID}/pause", h.PausePool)
				r.Post("/pools/{poolID}/unpause", h.UnpausePool)
				r.Post("/pools/{poolID}/funders", h.AuthorizeFunder)
				r.Delete("/pools/{poolID}/funders/{funder}", h.DeauthorizeFunder)
				r.Post("/pools/{poolID}/withdraw-extra", h.WithdrawExtraToken)
				r.Post("/pools/{poolID}/close", h.ClosePool)

				r.Post("/pools/{poolID}/users", h.CreateUser)
				r.Post("/pools/{poolID}/users/close", h.CloseUser)
				r.Post("/pools/{poolID}/deposit", h.Deposit)
				r.Post("/pools/{poolID}/withdraw", h.Withdraw)
				r.Post("/pools/{poolID}/claim", h.Claim)

				r.Post("/vaults", h.CreateVault)
				r.Post("/vaults/{vaultID}/stake", h.VaultStake)
				r.Post("/vaults/{vaultID}/unstake", h.VaultUnstake)
				r.Post("/vaults/{vaultID}/reward", h.VaultReward)
				r.Post("/vaults/{vaultID}/degradation", h.UpdateDegradation)
				r.Post("/vaults/{vaultID}/funder", h.ChangeFunder)
				r.Post("/vaults/{vaultID}/admin", h.TransferAdmin)

				r.Post("/lockers", h.CreateLocker)
				r.Post("/lockers/{lockerID}/release-date", h.SetReleaseDate)
				r.Post("/lockers/{lockerID}/lock", h.Lock)
				r.Post("/lockers/{lockerID}/unlock", h.Unlock)

				r.Post("/ledger/mint", h.Mint)
			})
		})
	})

	return r
}
