package paywall

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
)

const tokenType = "entitlement"

// Claims 是授权令牌携带的声明。
type Claims struct {
	jwt.RegisteredClaims
	Service string `json:"service"`
	RunID   string `json:"runId"`
	TxID    string `json:"txId"`
	Type    string `json:"type"`
}

type tokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func (s tokenSigner) mint(service model.Service, runID, txID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   string(service),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Service: string(service),
		RunID:   runID,
		TxID:    txID,
		Type:    tokenType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("签发授权令牌失败: %w", err)
	}
	return signed, exp, nil
}

func (s tokenSigner) verify(token string, now time.Time) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "授权令牌无效")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权令牌声明无效")
	}
	if claims.Type != tokenType || !model.Service(claims.Service).Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权令牌类型不匹配")
	}
	return claims, nil
}
