package configdb

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"golang.org/x/crypto/scrypt"
)

// Our password hash is 1 byte of version, followed by 20 bytes of salt,
// followed by 32 bytes of scrypt.
const hashVersion1 = 1
const saltSizeV1 = 20
const scryptHashSizeV1 = 32
const scryptNV1 = 16384
const scryptrV1 = 8
const scryptpV1 = 1
const hashLenV1 = 1 + saltSizeV1 + scryptHashSizeV1

func createSalt() []byte {
	s := [saltSizeV1]byte{}
	if n, _ := rand.Read(s[:]); n != saltSizeV1 {
		panic("Error creating password salt")
	}
	return s[:]
}

func hashPasswordWithSalt(salt []byte, password string) []byte {
	dk, err := scrypt.Key([]byte(password), salt, scryptNV1, scryptrV1, scryptpV1, scryptHashSizeV1)
	if err != nil {
		panic(fmt.Sprintf("Error hashing password: %v", err))
	}
	final := [hashLenV1]byte{}
	final[0] = hashVersion1
	copy(final[1:1+saltSizeV1], salt)
	copy(final[1+saltSizeV1:], dk)
	return final[:]
}

// Create a random salt, and return a fully baked hash of length hashLenV1
func HashPassword(password string) []byte {
	return hashPasswordWithSalt(createSalt(), password)
}

// Returns true if a plaintext password matches a stored hash
func VerifyHash(password string, hash []byte) bool {
	if len(hash) != hashLenV1 {
		return false
	}
	salt := hash[1 : 1+saltSizeV1]
	dk, _ := scrypt.Key([]byte(password), salt, scryptNV1, scryptrV1, scryptpV1, scryptHashSizeV1)
	return subtle.ConstantTimeCompare(dk, hash[1+saltSizeV1:]) == 1
}

// Hash the session token to safeguard against timing attacks (eg in the DB's BTree lookup).
// The caller gets the plaintext value, and that is the ONLY place where the plaintext lives.
func HashSessionToken(value string) []byte {
	h := sha256.Sum256([]byte(value))
	return h[:]
}

func StrongRandomBytes(nbytes int) []byte {
	buf := make([]byte, nbytes)
	if n, _ := rand.Read(buf); n != nbytes {
		panic("Unable to read from crypto/rand")
	}
	return buf
}

// CreateUser adds a new user record with the given plaintext password.
func (c *ConfigDB) CreateUser(username, password string, permissions UserPermissions) (*User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	user := &User{
		Username:           username,
		UsernameNormalized: NormalizeUsername(username),
		Permissions:        string(permissions),
		Password:           HashPassword(password),
	}
	if err := c.DB.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// Login creates a new session for userID and returns the plaintext bearer token.
func (c *ConfigDB) Login(userID int64, expiresAt time.Time) (string, error) {
	token := StrongRandomBytes(32)
	session := Session{
		CreatedAt: dbh.MakeIntTime(time.Now()),
		Key:       HashSessionToken(string(token)),
		UserID:    userID,
		ExpiresAt: dbh.MakeIntTime(expiresAt),
	}
	if err := c.DB.Create(&session).Error; err != nil {
		return "", err
	}
	c.PurgeExpiredSessions()
	c.Log.Infof("Logging %v in", userID)
	return base64.StdEncoding.EncodeToString(token), nil
}

func (c *ConfigDB) PurgeExpiredSessions() {
	c.DB.Where("expires_at <> 0 AND expires_at < ?", time.Now().UnixMilli()).Delete(&Session{})
}

// GetUser returns the authenticated user for the request, or nil.
func (c *ConfigDB) GetUser(r *http.Request) *User {
	userID := c.GetUserID(r, false)
	if userID == 0 {
		return nil
	}
	user := User{}
	if err := c.DB.Find(&user, userID).Error; err != nil {
		c.Log.Errorf("GetUser failed: %v", err)
		return nil
	}
	if user.ID == 0 {
		return nil
	}
	return &user
}

// Returns the user id, or zero.
// You should only set allowBasic to true if this is a rate limited endpoint.
func (c *ConfigDB) GetUserID(r *http.Request, allowBasic bool) int64 {
	authorization := r.Header.Get("Authorization")
	tokenBase64 := ""
	if strings.HasPrefix(authorization, "Bearer ") {
		tokenBase64 = authorization[7:]
	} else {
		// Allow the token as a query parameter, for clients that can't set
		// headers on streaming media elements (eg <img src=".../feed">).
		tokenBase64 = r.URL.Query().Get("authorizationToken")
	}
	if tokenBase64 != "" {
		token, _ := base64.StdEncoding.DecodeString(tokenBase64)
		session := Session{}
		c.DB.Where("key = ?", HashSessionToken(string(token))).Find(&session)
		if session.UserID != 0 && (session.ExpiresAt.IsZero() || session.ExpiresAt.Get().After(time.Now())) {
			return session.UserID
		}
	}
	if allowBasic {
		username, password, haveBasic := r.BasicAuth()
		if haveBasic {
			if user := c.AuthenticateUser(username, password); user != nil {
				return user.ID
			}
		}
	}
	return 0
}

// AuthenticateUser verifies a username/password pair and returns the user, or nil.
func (c *ConfigDB) AuthenticateUser(username, password string) *User {
	user := User{}
	c.DB.Where("username_normalized = ?", NormalizeUsername(username)).Find(&user)
	if user.ID != 0 && VerifyHash(password, user.Password) {
		return &user
	}
	return nil
}
