// Package identity вычисляет стабильные солёные хэши владельца данных
// и ключи запросов к провайдеру.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

type Source string

const (
	SourcePII     Source = "pii"
	SourceStored  Source = "stored"
	SourceAppUser Source = "appUser"
)

var (
	birthPattern  = regexp.MustCompile(`^\d{8}$`)
	mobilePattern = regexp.MustCompile(`^\d{10,11}$`)
	nonDigits     = regexp.MustCompile(`\D`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// Input данные для определения владельца. Все поля кроме AppUserID необязательны.
type Input struct {
	AppUserID          string
	LoginOrgCd         string
	ResNm              string
	ResNo              string
	MobileNo           string
	StoredIdentityHash string
}

type Identity struct {
	IdentityHash string `json:"identity_hash"`
	Source       Source `json:"source"`
}

type Hasher struct {
	salt string
}

func NewHasher(salt string) *Hasher {
	return &Hasher{salt: strings.TrimSpace(salt)}
}

func (h *Hasher) hash(value string) string {
	sum := sha256.Sum256([]byte(h.salt + "|" + value))
	return hex.EncodeToString(sum[:])
}

// PIIComplete проверяет, что персональных данных достаточно для pii-хэша
func PIIComplete(in Input) bool {
	_, ok := normalizePII(in)
	return ok
}

func normalizePII(in Input) ([4]string, bool) {
	org := strings.ToLower(strings.TrimSpace(in.LoginOrgCd))
	name := whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(in.ResNm)), "")
	birth := nonDigits.ReplaceAllString(in.ResNo, "")
	mobile := nonDigits.ReplaceAllString(in.MobileNo, "")

	if org == "" || name == "" || !birthPattern.MatchString(birth) || !mobilePattern.MatchString(mobile) {
		return [4]string{}, false
	}
	return [4]string{org, name, birth, mobile}, true
}

// Resolve выбирает источник в порядке pii -> stored -> appUser
func (h *Hasher) Resolve(in Input) Identity {
	if parts, ok := normalizePII(in); ok {
		return Identity{
			IdentityHash: h.hash("pii|" + strings.Join(parts[:], "|")),
			Source:       SourcePII,
		}
	}

	if stored := strings.TrimSpace(in.StoredIdentityHash); stored != "" {
		return Identity{IdentityHash: stored, Source: SourceStored}
	}

	return Identity{
		IdentityHash: h.hash("app-user|" + in.AppUserID),
		Source:       SourceAppUser,
	}
}
