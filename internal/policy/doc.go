// Package policy 聚合请求分类与缓存策略档案（profile），并提供统一的注册入口。
//
// 档案作者需要：
//  1. 在 internal/policy/<key>/ 目录下声明每个请求类别使用的策略；
//  2. 通过本包暴露的 MustRegister 在 init() 中注册档案；
//  3. 在 internal/config/policies.go 中以空导入方式引入新目录。
//
// 请求类别是封闭集合，分类按 navigation → tile → static 的固定优先级进行，
// 避免新增资源类型时被静默误分类。
package policy
