// Command x402-facilitatord runs a standalone payment facilitator: it
// verifies and settles exact-scheme payments on the configured EVM and
// SVM networks and serves the facilitator HTTP API.
package main

import (
	"log"

	"github.com/joho/godotenv"

	x402 "github.com/x402labs/x402-go"
	"github.com/x402labs/x402-go/extensions/idempotency"
	"github.com/x402labs/x402-go/http/facilitatorserver"
	evmmech "github.com/x402labs/x402-go/mechanisms/evm"
	svmmech "github.com/x402labs/x402-go/mechanisms/svm"
	evmsigner "github.com/x402labs/x402-go/signers/evm"
	svmsigner "github.com/x402labs/x402-go/signers/svm"
)

func main() {
	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	facilitator := x402.NewFacilitator()

	if cfg.EVMPrivateKey != "" {
		signer, err := evmsigner.NewFacilitatorSigner(cfg.EVMPrivateKey, cfg.EVMRPCURL)
		if err != nil {
			log.Fatalf("evm signer: %v", err)
		}
		facilitator.Register(cfg.EVMNetworks, evmmech.NewFacilitator(signer))
		log.Printf("evm: settling on %v via %s", cfg.EVMNetworks, cfg.EVMRPCURL)
	}

	if cfg.SVMPrivateKey != "" {
		signer, err := svmsigner.NewFacilitatorSigner(cfg.SVMPrivateKey, cfg.SVMRPCURL)
		if err != nil {
			log.Fatalf("svm signer: %v", err)
		}
		facilitator.Register(cfg.SVMNetworks, svmmech.NewFacilitator(signer), map[string]interface{}{
			"feePayer": signer.Address().String(),
		})
		log.Printf("svm: sponsoring as %s on %v via %s", signer.Address(), cfg.SVMNetworks, cfg.SVMRPCURL)
	}

	facilitator.RegisterExtension(idempotency.ExtensionKey)

	settler := idempotency.Wrap(
		x402.NewLocalFacilitatorClient(facilitator),
		idempotency.WithTTL(cfg.IdempotencyTTL),
	)

	server := facilitatorserver.NewServer(facilitator,
		facilitatorserver.WithSettler(settler),
		facilitatorserver.WithSettleTimeout(cfg.SettleTimeout),
	)

	log.Printf("facilitator listening on :%s", cfg.Port)
	if err := server.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server: %v", err)
	}
}
