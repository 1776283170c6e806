// Package crypto 负责消息字段的加解密和收件码查找哈希。
//
// 密文格式为 hex(iv) + ":" + hex(ciphertext)，算法 AES-256-CBC + PKCS#7，
// 密钥由 PBKDF2-HMAC-SHA512(pepper, salt) 派生，进程内只计算一次。
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// KeyIterations 是 PBKDF2 迭代次数，修改会导致已有密文无法解密
	KeyIterations = 100000
	// KeyLength 是 AES-256 的密钥长度
	KeyLength = 32

	tokenSeparator = ":"
)

var (
	// ErrMalformedToken 表示密文不符合 hex(iv):hex(ciphertext) 格式
	ErrMalformedToken = errors.New("malformed cipher token")
	// ErrCipher 表示格式正确但无法解密（密钥不匹配、数据损坏或截断）
	ErrCipher = errors.New("cipher failure")
)

// Sealer 使用进程级派生密钥加解密消息字段，并发安全
type Sealer struct {
	pepper string
	salt   string
	random io.Reader

	key func() ([]byte, error)
}

// NewSealer 创建 Sealer，密钥在第一次使用时派生
func NewSealer(pepper, salt string) *Sealer {
	s := &Sealer{
		pepper: pepper,
		salt:   salt,
		random: rand.Reader,
	}
	s.key = sync.OnceValues(s.derive)
	return s
}

// DeriveKey 返回派生密钥，多次调用返回同一结果
func (s *Sealer) DeriveKey() ([]byte, error) {
	return s.key()
}

func (s *Sealer) derive() ([]byte, error) {
	if s.pepper == "" || s.salt == "" {
		return nil, errors.New("derive key: pepper and salt must not be empty")
	}
	return pbkdf2.Key([]byte(s.pepper), []byte(s.salt), KeyIterations, KeyLength, sha512.New), nil
}

func (s *Sealer) block() (cipher.Block, error) {
	key, err := s.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init block cipher: %w", err)
	}
	return block, nil
}

// Encrypt 加密明文，每次调用使用新的随机 IV，同一明文的结果互不相同
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	block, err := s.block()
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(s.random, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + tokenSeparator + hex.EncodeToString(out), nil
}

// Decrypt 解密 Encrypt 生成的密文
//
// 格式错误返回 ErrMalformedToken，解密或去填充失败返回 ErrCipher。
// 错误信息中不包含密文和密钥。
func (s *Sealer) Decrypt(token string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(token, tokenSeparator)
	if !ok {
		return "", fmt.Errorf("%w: missing separator", ErrMalformedToken)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("%w: iv is not hex", ErrMalformedToken)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: iv must be %d bytes", ErrMalformedToken, aes.BlockSize)
	}

	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not hex", ErrMalformedToken)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not block aligned", ErrCipher)
	}

	block, err := s.block()
	if err != nil {
		return "", err
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// HashRecipientCode 返回小写收件码的 SHA-256 十六进制摘要
//
// 哈希不加盐，只凭收件码即可重现查找键；短收件码可被字典枚举。
// 小写转换按 Unicode 完整规则（词尾 Σ → ς，İ → i̇），与已有数据的查找键一致。
func HashRecipientCode(code string) string {
	// Caser 带状态，不能在协程间共享
	lower := cases.Lower(language.Und).String(code)
	sum := sha256.Sum256([]byte(lower))
	return hex.EncodeToString(sum[:])
}

// HashRecipientCode 便于通过 Sealer 实例调用
func (s *Sealer) HashRecipientCode(code string) string {
	return HashRecipientCode(code)
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrCipher)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size {
		return nil, fmt.Errorf("%w: bad padding", ErrCipher)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCipher)
		}
	}
	return data[:len(data)-n], nil
}
