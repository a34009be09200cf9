package service

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// La emision y renovacion de tokens es responsabilidad del proveedor de auth externo
// (Supabase); aqui solo se verifican access tokens para leer el id del usuario.

var (
	ErrJWTInvalid = errors.New("jwt invalid")
	ErrJWTExpired = errors.New("jwt expired")
)

const supabaseAudience = "authenticated"

type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID devuelve el subject del token, que es el id del usuario en el proveedor.
func (c Claims) UserID() string { return c.Subject }

// TokenVerifier valida access tokens HS256 firmados con el secreto del proyecto.
type TokenVerifier struct {
	secret   []byte
	audience string
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{
		secret:   []byte(secret),
		audience: supabaseAudience,
	}
}

func (v *TokenVerifier) ParseAccessToken(accessToken string) (Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return Claims{}, ErrJWTInvalid
	}
	if strings.TrimSpace(accessToken) == "" {
		return Claims{}, ErrJWTInvalid
	}

	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(accessToken, &claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrJWTExpired
		}
		return Claims{}, ErrJWTInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrJWTInvalid
	}
	return claims, nil
}
