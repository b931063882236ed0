package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"tradeassist/gateway/internal/config"
	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/pkg/assistant"
	"tradeassist/gateway/pkg/jwt"
	"tradeassist/gateway/pkg/redis"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

// Probes each leg of the deployment in turn: assistant REST, the
// streaming handshake, and the Redis instance behind rate limiting and
// pub/sub.
func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	checkREST(ctx, cfg)
	checkStream(cfg)
	checkRedis(ctx, cfg)

	fmt.Println("\n✓ All probes passed")
}

func checkREST(ctx context.Context, cfg *config.Config) {
	client := assistant.NewClient(cfg.Upstream.APIURL, assistant.StaticCredential(cfg.Upstream.Token))

	health, err := client.Health(ctx)
	if err != nil {
		log.Fatalf("REST health check failed: %v", err)
	}
	fmt.Printf("✓ REST health: status=%s redis=%s\n", health.Status, health.Redis)

	proposals, err := client.GetProposals(ctx)
	if err != nil {
		log.Fatalf("Proposal fetch failed: %v", err)
	}
	fmt.Printf("✓ REST proposals: %d known\n", len(proposals))
}

func checkStream(cfg *config.Config) {
	client := assistant.NewClient(cfg.Upstream.APIURL, nil)
	wsURL := cfg.Upstream.WSURL
	if wsURL == "" {
		var err error
		wsURL, err = client.WebSocketURL()
		if err != nil {
			log.Fatalf("Failed to derive websocket URL: %v", err)
		}
	}

	token := cfg.Upstream.Token
	if token == "" {
		var err error
		token, err = jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpire).
			GenerateToken("probe", "Probe")
		if err != nil {
			log.Fatalf("Failed to mint probe token: %v", err)
		}
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("Websocket dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	auth, err := model.NewMessage(model.MessageTypeAuth, model.AuthPayload{Token: token})
	if err != nil {
		log.Fatalf("Failed to build auth message: %v", err)
	}
	if err := conn.WriteJSON(auth); err != nil {
		log.Fatalf("Failed to send auth message: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply model.Message
	if err := conn.ReadJSON(&reply); err != nil {
		log.Fatalf("No handshake reply: %v", err)
	}

	switch reply.Type {
	case model.MessageTypeConnectionAck:
		var ack model.ConnectionAckPayload
		_ = reply.Decode(&ack)
		fmt.Printf("✓ Stream handshake: authenticated as %s\n", ack.ClientID)
	case model.MessageTypeAuthError:
		var authErr model.AuthErrorPayload
		_ = reply.Decode(&authErr)
		log.Fatalf("Stream auth rejected: %s", authErr.Message)
	default:
		log.Fatalf("Unexpected handshake reply: %s", reply.Type)
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func checkRedis(ctx context.Context, cfg *config.Config) {
	redisClient, err := redis.New(redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	key := redis.ProbeKey(uuid.New().String())
	if err := redisClient.Set(ctx, key, "ok", time.Minute); err != nil {
		log.Fatalf("Redis SET failed: %v", err)
	}

	val, err := redisClient.Get(ctx, key)
	if err != nil || val != "ok" {
		log.Fatalf("Redis GET failed: value=%q err=%v", val, err)
	}

	exists, err := redisClient.Exists(ctx, key)
	if err != nil || !exists {
		log.Fatalf("Redis EXISTS failed: exists=%v err=%v", exists, err)
	}

	if err := redisClient.Del(ctx, key); err != nil {
		log.Fatalf("Redis DEL failed: %v", err)
	}

	exists, err = redisClient.Exists(ctx, key)
	if err != nil {
		log.Fatalf("Redis EXISTS after DEL failed: %v", err)
	}
	if exists {
		log.Fatalf("Redis probe key survived DEL: %s", key)
	}

	fmt.Println("✓ Redis roundtrip: SET/GET/EXISTS/DEL")
}
