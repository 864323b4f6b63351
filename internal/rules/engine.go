package rules

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"cefguard/pkg/model"
)

// Ruleset 编译后的不可变规则集
type Ruleset struct {
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
	spec  model.RulesetSpec
}

// Empty 空规则集：全部放行
func Empty() *Ruleset {
	return &Ruleset{spec: model.RulesetSpec{Allow: []string{}, Deny: []string{}}}
}

// Compile 编译规则集，任一模式非法则整体失败
func Compile(spec model.RulesetSpec) (*Ruleset, error) {
	allow, err := compileAll(spec.Allow)
	if err != nil {
		return nil, fmt.Errorf("allow pattern: %w", err)
	}
	deny, err := compileAll(spec.Deny)
	if err != nil {
		return nil, fmt.Errorf("deny pattern: %w", err)
	}
	return &Ruleset{
		allow: allow,
		deny:  deny,
		spec: model.RulesetSpec{
			Allow: append([]string{}, spec.Allow...),
			Deny:  append([]string{}, spec.Deny...),
		},
	}, nil
}

// MustCompile 编译失败时 panic，仅用于常量规则
func MustCompile(spec model.RulesetSpec) *Ruleset {
	rs, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	return rs
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Check 判断是否放行：
// (allow 为空 或 命中任一 allow) 且 未命中任何 deny
func (r *Ruleset) Check(s string) bool {
	return (len(r.allow) == 0 || anyMatch(r.allow, s)) && !anyMatch(r.deny, s)
}

// Spec 返回规则集的原始模式
func (r *Ruleset) Spec() model.RulesetSpec { return r.spec }

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Store 每个拦截点一份可原子替换的规则集
type Store struct {
	sets [model.HookPointCount]atomic.Pointer[Ruleset]
}

// NewStore 创建规则库，初始全部放行
func NewStore() *Store {
	s := &Store{}
	for i := range s.sets {
		s.sets[i].Store(Empty())
	}
	return s
}

// Replace 整体替换某拦截点的规则集
func (s *Store) Replace(hook model.HookPoint, rs *Ruleset) {
	if rs == nil {
		rs = Empty()
	}
	s.sets[hook].Store(rs)
}

// Load 读取当前发布的规则集
func (s *Store) Load(hook model.HookPoint) *Ruleset {
	return s.sets[hook].Load()
}

// Check 使用当前规则集判断候选字符串是否放行
func (s *Store) Check(hook model.HookPoint, candidate string) bool {
	return s.sets[hook].Load().Check(candidate)
}
