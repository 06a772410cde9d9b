package model

import (
	"time"
)

// HandlerResult 单个认证处理器的成功结果
type HandlerResult struct {
	HandlerName    string `json:"handler_name" cbor:"handler_name"`
	CredentialType string `json:"credential_type,omitempty" cbor:"credential_type,omitempty"`
}

// Authentication 认证结果载荷
// 由外部认证子系统产生，票据持有其副本，注册表不解析其内部结构
type Authentication struct {
	PrincipalID         string              `json:"principal_id" cbor:"principal_id"`
	PrincipalAttributes map[string][]string `json:"principal_attributes,omitempty" cbor:"principal_attributes,omitempty"`
	Attributes          map[string][]string `json:"attributes,omitempty" cbor:"attributes,omitempty"`
	Successes           []HandlerResult     `json:"successes,omitempty" cbor:"successes,omitempty"`
	AuthenticatedAt     time.Time           `json:"authenticated_at" cbor:"authenticated_at"`
}

// Clone 深拷贝认证结果
func (a *Authentication) Clone() *Authentication {
	if a == nil {
		return nil
	}
	c := &Authentication{
		PrincipalID:         a.PrincipalID,
		PrincipalAttributes: cloneMultiMap(a.PrincipalAttributes),
		Attributes:          cloneMultiMap(a.Attributes),
		AuthenticatedAt:     a.AuthenticatedAt,
	}
	if a.Successes != nil {
		c.Successes = append([]HandlerResult(nil), a.Successes...)
	}
	return c
}

func cloneMultiMap(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}
