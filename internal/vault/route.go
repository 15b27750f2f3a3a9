package vault

import (
	"fmt"
	"strings"

	xerrors "VaultTrader/internal/errors"
)

// RouteKind 标识两种路由协议之一。
type RouteKind uint8

const (
	RouteV2 RouteKind = 2
	RouteV3 RouteKind = 3
)

// MaxFeeTier 是 uint24 费率档的开区间上界。
const MaxFeeTier = 1 << 24

// 常见的 V3 费率档，单位为百万分之一。
const (
	FeeTier001 uint32 = 100
	FeeTier005 uint32 = 500
	FeeTier030 uint32 = 3000
	FeeTier100 uint32 = 10000
)

// Route 是封闭的变体：V2，或带费率档的 V3。
type Route struct {
	Kind    RouteKind
	FeeTier uint32
}

// V2 返回 V2 路由，不携带费率档。
func V2() Route { return Route{Kind: RouteV2} }

// V3 返回指定费率档的 V3 路由。
func V3(feeTier uint32) Route { return Route{Kind: RouteV3, FeeTier: feeTier} }

// Validate 校验变体约束。
func (r Route) Validate() error {
	switch r.Kind {
	case RouteV2:
		if r.FeeTier != 0 {
			return xerrors.New(CodeInvalidRoute, "v2 route does not take a fee tier")
		}
		return nil
	case RouteV3:
		if r.FeeTier == 0 || r.FeeTier >= MaxFeeTier {
			return xerrors.New(CodeInvalidRoute, fmt.Sprintf("v3 fee tier %d out of range", r.FeeTier))
		}
		return nil
	default:
		return xerrors.New(CodeInvalidRoute, fmt.Sprintf("unknown route kind %d", r.Kind))
	}
}

func (r Route) String() string {
	switch r.Kind {
	case RouteV2:
		return "v2"
	case RouteV3:
		return fmt.Sprintf("v3/%d", r.FeeTier)
	default:
		return fmt.Sprintf("route(%d)", r.Kind)
	}
}

// ParseRoute 将配置中的路由名（"v2"、"v3"）与费率档转换为 Route。
func ParseRoute(name string, feeTier uint32) (Route, error) {
	var r Route
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "v2":
		r = V2()
		if feeTier != 0 {
			return Route{}, xerrors.New(CodeInvalidRoute, "fee tier is only valid for the v3 route")
		}
	case "v3":
		r = V3(feeTier)
	default:
		return Route{}, xerrors.New(CodeInvalidRoute, fmt.Sprintf("unknown route %q", name))
	}
	if err := r.Validate(); err != nil {
		return Route{}, err
	}
	return r, nil
}
