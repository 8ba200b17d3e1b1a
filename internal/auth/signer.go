package auth

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type uploadClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// URLSigner issues short-lived links to stored attachments. The signature is an HS256
// token bound to the file name and expiry, so links cannot be re-pointed at other files.
type URLSigner struct {
	jwt     *JWTManager
	baseURL string
	ttl     time.Duration
}

func NewURLSigner(m *JWTManager, publicBaseURL string, ttl time.Duration) *URLSigner {
	return &URLSigner{jwt: m, baseURL: publicBaseURL, ttl: ttl}
}

// Sign returns {base}/uploads/{name}?expires=..&signature=.. for a bare file name.
func (s *URLSigner) Sign(name string) (string, error) {
	name = path.Base(path.Clean("/" + name))
	if name == "/" || name == "." {
		return "", errors.New("auth: empty upload name")
	}
	exp := s.jwt.now().Add(s.ttl)
	claims := uploadClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    issuer,
		},
	}
	sig, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwt.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign upload url: %w", err)
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp.Unix(), 10))
	q.Set("signature", sig)
	return s.baseURL + "/uploads/" + url.PathEscape(name) + "?" + q.Encode(), nil
}

// Verify checks a signature produced by Sign for the given file name.
func (s *URLSigner) Verify(name, signature string) error {
	var claims uploadClaims
	token, err := jwt.ParseWithClaims(signature, &claims, s.jwt.keyFunc, jwt.WithTimeFunc(s.jwt.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid || claims.Name != name {
		return ErrInvalidToken
	}
	return nil
}
