package security

import (
	"bytes"
	"testing"
)

func TestSetClusterEncryptionKey(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"valid 32-byte key", make([]byte, 32), false},
		{"invalid short key", make([]byte, 16), true},
		{"invalid long key", make([]byte, 64), true},
		{"empty key", []byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SetClusterEncryptionKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetClusterEncryptionKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-encryption-key-32-bytes-!!"))
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("set cluster encryption key: %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"simple string", []byte("hello world")},
		{"json data", []byte(`{"username":"admin","password":"secret123"}`)},
		{"binary data", []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{"large data", bytes.Repeat([]byte("test"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if bytes.Equal(ciphertext, tt.plaintext) {
				t.Error("ciphertext should not equal plaintext")
			}

			decrypted, err := Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("decrypted data does not match original.\nGot:  %v\nWant: %v", decrypted, tt.plaintext)
			}
		})
	}
}

func TestDecrypt_Errors(t *testing.T) {
	if err := SetClusterEncryptionKey(make([]byte, 32)); err != nil {
		t.Fatalf("set cluster encryption key: %v", err)
	}

	tests := []struct {
		name       string
		ciphertext []byte
	}{
		{"empty data", []byte{}},
		{"nil data", nil},
		{"too short data", []byte{0x01, 0x02}},
		{"corrupted data", bytes.Repeat([]byte("x"), 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.ciphertext); err == nil {
				t.Error("Decrypt() should fail")
			}
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	key1 := make([]byte, 32)
	copy(key1, []byte("key-one-32-bytes-long-!!!!!!!!!!"))
	key2 := make([]byte, 32)
	copy(key2, []byte("key-two-32-bytes-long-!!!!!!!!!!"))

	plaintext := []byte("secret data")

	if err := SetClusterEncryptionKey(key1); err != nil {
		t.Fatalf("set cluster encryption key: %v", err)
	}
	ciphertext, err := Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if err := SetClusterEncryptionKey(key2); err != nil {
		t.Fatalf("set cluster encryption key: %v", err)
	}
	if _, err := Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() should fail with wrong key")
	}
}

func TestDeriveKeyFromClusterID(t *testing.T) {
	tests := []struct {
		name      string
		clusterID string
	}{
		{"simple ID", "cluster-123"},
		{"UUID", "550e8400-e29b-41d4-a716-446655440000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := DeriveKeyFromClusterID(tt.clusterID)
			if len(key) != 32 {
				t.Errorf("DeriveKeyFromClusterID() returned key of length %d, want 32", len(key))
			}

			key2 := DeriveKeyFromClusterID(tt.clusterID)
			if !bytes.Equal(key, key2) {
				t.Error("DeriveKeyFromClusterID() should be deterministic")
			}

			differentKey := DeriveKeyFromClusterID(tt.clusterID + "-different")
			if bytes.Equal(key, differentKey) {
				t.Error("different cluster IDs should produce different keys")
			}
		})
	}
}
