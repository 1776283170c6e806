package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 收件地址相关的错误定义
var (
	ErrInvalidAddress   = errors.New("invalid recipient address")
	ErrAddressTooLong   = errors.New("recipient address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrForeignDomain    = errors.New("domain not served")
)

// RFC 5321 长度限制
const (
	MaxAddressLength   = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var (
	// 收件码作为本地部分时允许的字符
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9._+-]+$`)

	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)
)

// RecipientFromAddress 从 SMTP 收件地址中取出收件码
//
// 地址的本地部分就是收件码，域名必须等于 servedDomain（不区分大小写）。
// 收件码原样返回，大小写在哈希时统一处理。
func RecipientFromAddress(address, servedDomain string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", ErrInvalidAddress
	}
	if len(address) > MaxAddressLength {
		return "", ErrAddressTooLong
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", ErrInvalidAddress
	}

	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return "", ErrInvalidAddress
	}
	local, domain := parsed.Address[:at], strings.ToLower(parsed.Address[at+1:])

	if err := validateLocalPart(local); err != nil {
		return "", err
	}
	if err := validateDomain(domain); err != nil {
		return "", err
	}
	if !strings.EqualFold(domain, servedDomain) {
		return "", ErrForeignDomain
	}

	return local, nil
}

// MaxSenderNameLength 发件人显示名的最大长度（按字符计）
const MaxSenderNameLength = 128

// SenderDisplayName 只保留 From 头中的显示名，地址本身丢弃
func SenderDisplayName(from string) string {
	return SenderDisplayNameWith(nil, from)
}

// SenderDisplayNameWith 使用指定的地址解析器，parser 为 nil 时使用默认解析
func SenderDisplayNameWith(parser *mail.AddressParser, from string) string {
	if strings.TrimSpace(from) == "" {
		return ""
	}
	if parser == nil {
		parser = &mail.AddressParser{}
	}
	parsed, err := parser.Parse(from)
	if err != nil {
		return ""
	}
	name := []rune(strings.TrimSpace(parsed.Name))
	if len(name) > MaxSenderNameLength {
		name = name[:MaxSenderNameLength]
	}
	return string(name)
}

func validateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" || len(domain) > MaxDomainLength {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}
