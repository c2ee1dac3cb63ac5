package model

// Service 是需要付费解锁的能力名称。
type Service string

const (
	ServiceVoyage  Service = "voyage"
	ServiceMongoDB Service = "mongodb"
	ServiceCDP     Service = "cdp"
)

var knownServices = []Service{ServiceVoyage, ServiceMongoDB, ServiceCDP}

// KnownServices 以稳定顺序返回全部可付费服务。
func KnownServices() []Service {
	out := make([]Service, len(knownServices))
	copy(out, knownServices)
	return out
}

// Valid 判断服务名是否在固定集合内。
func (s Service) Valid() bool {
	for _, known := range knownServices {
		if s == known {
			return true
		}
	}
	return false
}

// Description 返回服务的展示说明。
func (s Service) Description() string {
	switch s {
	case ServiceVoyage:
		return "Voyage AI embeddings"
	case ServiceMongoDB:
		return "Vector search over stored memories"
	case ServiceCDP:
		return "On-chain payment execution"
	default:
		return string(s)
	}
}

// ParseServices 过滤未知服务并去重，保留原始顺序。
func ParseServices(names []string) (valid []Service, unknown []string) {
	seen := make(map[Service]struct{}, len(names))
	for _, name := range names {
		svc := Service(name)
		if !svc.Valid() {
			unknown = append(unknown, name)
			continue
		}
		if _, dup := seen[svc]; dup {
			continue
		}
		seen[svc] = struct{}{}
		valid = append(valid, svc)
	}
	return valid, unknown
}

// ServiceNames 转换为字符串切片，供事件与日志使用。
func ServiceNames(services []Service) []string {
	out := make([]string, len(services))
	for i, svc := range services {
		out[i] = string(svc)
	}
	return out
}
