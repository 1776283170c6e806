package domain

import "time"

// RetentionWindow 是消息的保留时长，超过后由存储层自动删除
const RetentionWindow = 24 * time.Hour

// DefaultSenderName 是发送者未署名时使用的名称
const DefaultSenderName = "Anonymous"

// Message 表示一条加密存储的匿名消息。
//
// 记录只保存收件码的哈希和两段密文，创建后不再修改。
type Message struct {
	ID                  string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RecipientLookupHash string    `json:"recipientLookupHash" gorm:"type:char(64);index;not null"`
	EncryptedSenderName string    `json:"encryptedSenderName" gorm:"type:text;not null"`
	EncryptedBody       string    `json:"encryptedBody" gorm:"type:text;not null"`
	CreatedAt           time.Time `json:"createdAt" gorm:"not null"`
}

// TableName 固定表名
func (Message) TableName() string {
	return "messages"
}

// ExpiresAt 返回记录应被删除的时间
func (m *Message) ExpiresAt() time.Time {
	return m.CreatedAt.Add(RetentionWindow)
}

// InboxMessage 是解密后返回给收件人的消息
type InboxMessage struct {
	SenderName  string    `json:"senderName"`
	MessageText string    `json:"messageText"`
	CreatedAt   time.Time `json:"createdAt"`
}
