package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

const (
	HeaderSignature = "X-Node-Signature"
	HeaderNonce     = "X-Request-Nonce"
	HeaderExpires   = "X-Request-Expires"

	// PeerKey is the gin context key holding the authenticated ticket.PeerID.
	PeerKey = "peer_id"

	nonceKeyFmt = "nonce:%s:%s" // %s = signer address, %s = nonce
)

const maxFutureWindow = 5 * time.Minute

// maxBodyBytes bounds what the middleware reads before verifying the signature.
const maxBodyBytes = 4 << 20

// PeerResolver maps a signing chain address to the peer that owns it.
type PeerResolver interface {
	GetPacketKey(ctx context.Context, addr common.Address) (ticket.PeerID, bool, error)
}

// SignRequest sets the authentication headers on req for body, valid for ttl.
func SignRequest(req *http.Request, body []byte, key *ecdsa.PrivateKey, ttl time.Duration) error {
	nonce := uuid.NewString()
	expiresAt := time.Now().Add(ttl).Unix()
	sig, err := Sign(RequestMessage(nonce, expiresAt, body), key)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderExpires, strconv.FormatInt(expiresAt, 10))
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

// Middleware returns a Gin handler that authenticates node-to-node requests: the body must
// be signed by a chain key known to peers, unexpired, and carry a fresh nonce.
func Middleware(rdb *redis.Client, peers PeerResolver, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sigHex := c.GetHeader(HeaderSignature)
		nonce := c.GetHeader(HeaderNonce)
		expiresHdr := c.GetHeader(HeaderExpires)

		if sigHex == "" || nonce == "" || expiresHdr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		expiresAt, err := strconv.ParseInt(expiresHdr, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid " + HeaderExpires})
			return
		}

		now := time.Now().Unix()

		// Check expiry
		if expiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if expiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires too far in future"})
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		recovered, err := Recover(RequestMessage(nonce, expiresAt, body), sig)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		ctx := c.Request.Context()
		peer, ok, err := peers.GetPacketKey(ctx, recovered)
		if err != nil {
			log.Error("auth: resolve peer", zap.String("signer", recovered.Hex()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown signer"})
			return
		}

		// Nonce dedup via Redis SET NX
		nonceKey := fmt.Sprintf(nonceKeyFmt, strings.ToLower(recovered.Hex()), nonce)
		ttl := time.Duration(expiresAt-now) * time.Second
		set, err := rdb.SetNX(ctx, nonceKey, 1, ttl).Result()
		if err != nil {
			log.Error("auth: nonce dedup", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(PeerKey, peer)
		c.Next()
	}
}

// Peer returns the authenticated peer set by Middleware.
func Peer(c *gin.Context) (ticket.PeerID, bool) {
	v, ok := c.Get(PeerKey)
	if !ok {
		return "", false
	}
	peer, ok := v.(ticket.PeerID)
	return peer, ok
}
