package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"tradeassist/gateway/internal/config"
	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/internal/stub"
	"tradeassist/gateway/pkg/jwt"

	"github.com/joho/godotenv"
)

// Sample proposals in the shape the analysis engine produces.
var samples = []stub.ProposalRequest{
	{Symbol: "AAPL", Action: model.ActionBuy, Quantity: 10, Price: 187.50,
		Reason: "[MA_Crossover] Golden cross on the 4h chart", Strategy: "MA_Crossover"},
	{Symbol: "GOOGL", Action: model.ActionBuy, Quantity: 5, Price: 142.30,
		Reason: "[RSI_Reversal] RSI recovered from oversold at 28", Strategy: "RSI_Reversal"},
	{Symbol: "MSFT", Action: model.ActionSell, Quantity: 8, Price: 415.20,
		Reason: "[MA_Crossover] Death cross forming on the daily", Strategy: "MA_Crossover"},
	{Symbol: "TSLA", Action: model.ActionBuy, Quantity: 3, Price: 248.90,
		Reason: "[RSI_Reversal] Bullish divergence on volume spike", Strategy: "RSI_Reversal"},
	{Symbol: "NVDA", Action: model.ActionSell, Quantity: 4, Price: 118.75,
		Reason: "[MA_Crossover] Extended above the 20-day mean", Strategy: "MA_Crossover"},
}

func main() {
	// Load .env file
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Mint a session token for the gateway and attached views
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpire)
	token, err := jwtManager.GenerateToken("gateway-1", "Gateway")
	if err != nil {
		log.Fatalf("Failed to mint token: %v", err)
	}

	expires, err := jwtManager.GetTokenExpiration(token)
	if err != nil {
		log.Fatalf("Failed to read token expiry: %v", err)
	}

	fmt.Println("✓ Session token minted (use as UPSTREAM_TOKEN):")
	fmt.Printf("  %s\n", token)
	fmt.Printf("  valid until %s\n\n", expires.Format(time.RFC3339))

	// Push the sample proposals into the assistant server
	client := &http.Client{Timeout: 10 * time.Second}
	target := cfg.Upstream.APIURL + "/proposals"

	created := 0
	for _, sample := range samples {
		body, err := json.Marshal(sample)
		if err != nil {
			log.Fatalf("Failed to encode proposal: %v", err)
		}

		resp, err := client.Post(target, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("Failed to reach %s: %v", target, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			log.Fatalf("Proposal %s rejected: %s", sample.Symbol, resp.Status)
		}
		fmt.Printf("✓ Seeded %s %d %s @ %.2f\n", sample.Action, sample.Quantity, sample.Symbol, sample.Price)
		created++
	}

	fmt.Printf("\n✓ Seeded %d proposals into %s\n", created, cfg.Upstream.APIURL)
}
