package auth

import "golang.org/x/crypto/bcrypt"

// bcryptCost is the work factor for newly hashed passwords. Verification
// reads the cost from the stored hash, so raising this later only affects
// new hashes.
const bcryptCost = 12

// HashPassword produces a bcrypt hash suitable for the admin.password_hash
// config value.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether the password matches the stored bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
