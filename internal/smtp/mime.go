package smtp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"anondrop/backend/internal/domain"
)

// maxMultipartDepth 嵌套 multipart 的最大层数
const maxMultipartDepth = 8

var errTooDeep = errors.New("multipart nesting too deep")

// wordDecoder 解码 RFC 2047 编码的头部，支持 x/text 能识别的全部字符集
var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// addressParser 解析 From 头，编码的显示名走 wordDecoder
var addressParser = &mail.AddressParser{WordDecoder: wordDecoder}

// ParsedEmail 表示解析后的邮件内容，只保留生成匿名消息需要的部分。
type ParsedEmail struct {
	SenderName string
	Text       string
	HTML       string
}

// Body 返回消息正文，优先纯文本，没有时退回 HTML
func (p *ParsedEmail) Body() string {
	if strings.TrimSpace(p.Text) != "" {
		return p.Text
	}
	return p.HTML
}

// ParseEmail 解析邮件，提取发件人显示名与正文。附件被忽略。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		SenderName: domain.SenderDisplayNameWith(addressParser, msg.Header.Get("From")),
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 或无法解析时当作纯文本
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart message without boundary")
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), parsed, 1); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件，只取第一个纯文本和第一个 HTML 部分。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail, depth int) error {
	if depth > maxMultipartDepth {
		return errTooDeep
	}

	for {
		part, err := mr.NextRawPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition, _, err := mime.ParseMediaType(part.Header.Get("Content-Disposition")); err == nil && disposition == "attachment" {
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed, depth+1); err != nil {
					return err
				}
			}
			continue
		}

		isText := strings.HasPrefix(mediaType, "text/plain")
		isHTML := strings.HasPrefix(mediaType, "text/html")
		if (!isText || parsed.Text != "") && (!isHTML || parsed.HTML != "") {
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}
		if isText {
			parsed.Text = body
		} else {
			parsed.HTML = body
		}
	}
}

// decodeBody 根据传输编码和字符集解码正文。
func decodeBody(reader io.Reader, transferEncoding, charset string) (string, error) {
	var decoded io.Reader
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		decoded = reader
	}

	if r, err := charsetReader(charset, decoded); err == nil {
		decoded = r
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// charsetReader 把指定字符集转换为 UTF-8，未知字符集返回错误
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "utf-8", "utf8", "us-ascii":
		return input, nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}
