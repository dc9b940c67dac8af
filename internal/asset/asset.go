package asset

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedAsset 表示库存中的卡密 JSON 无法解析或字段不完整。
var ErrMalformedAsset = errors.New("malformed asset data")

// Kind 区分两种数字资产形态。
type Kind string

const (
	KindCredential Kind = "credential" // 账号 + 密码
	KindCode       Kind = "code"       // 兑换码
)

// Asset 一件不可重复发放的数字商品。
// 只有 Kind 对应的字段有值，另一种形态的字段必须为空。
type Asset struct {
	Kind     Kind
	Email    string
	Password string
	Code     string
}

// Credential 构造账号型资产。
func Credential(email, password string) Asset {
	return Asset{Kind: KindCredential, Email: email, Password: password}
}

// Code 构造兑换码型资产。
func Code(code string) Asset {
	return Asset{Kind: KindCode, Code: code}
}

// wireAsset 对应落库的 JSON 形态：{"email","password"} 或 {"code"}。
type wireAsset struct {
	Email    *string `json:"email,omitempty"`
	Password *string `json:"password,omitempty"`
	Code     *string `json:"code,omitempty"`
}

// Validate 校验变体是否完整且互斥。
func (a Asset) Validate() error {
	switch a.Kind {
	case KindCredential:
		if a.Email == "" || a.Password == "" || a.Code != "" {
			return fmt.Errorf("%w: credential needs email and password only", ErrMalformedAsset)
		}
	case KindCode:
		if a.Code == "" || a.Email != "" || a.Password != "" {
			return fmt.Errorf("%w: code asset needs code only", ErrMalformedAsset)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedAsset, a.Kind)
	}
	return nil
}

func (a Asset) MarshalJSON() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	w := wireAsset{}
	if a.Kind == KindCredential {
		w.Email, w.Password = &a.Email, &a.Password
	} else {
		w.Code = &a.Code
	}
	return json.Marshal(w)
}

func (a *Asset) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var w wireAsset
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAsset, err)
	}

	hasCred := w.Email != nil || w.Password != nil
	hasCode := w.Code != nil
	var out Asset
	switch {
	case hasCred && hasCode:
		return fmt.Errorf("%w: both credential and code present", ErrMalformedAsset)
	case hasCode:
		out = Code(*w.Code)
	case hasCred:
		out = Credential(deref(w.Email), deref(w.Password))
	default:
		return fmt.Errorf("%w: empty asset", ErrMalformedAsset)
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*a = out
	return nil
}

// Fingerprint 返回资产内容的稳定摘要，订单行上做唯一索引，防止同一卡密发两次。
func (a Asset) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(a.Kind))
	h.Write([]byte{0})
	if a.Kind == KindCredential {
		h.Write([]byte(a.Email))
		h.Write([]byte{0})
		h.Write([]byte(a.Password))
	} else {
		h.Write([]byte(a.Code))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
