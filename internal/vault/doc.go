// Package vault 实现托管金库合约的语义：金库持有代币余额，所有者或交易代理
// 可以通过 V2/V3 两种路由协议兑换，只有所有者可以提取资金。
//
// 余额保存在 Ledger 中，Ledger 扮演执行环境的角色。每个写操作都显式接收调用方
// 地址，在触碰账本之前完成鉴权，并在 Ledger.Atomic 中执行，失败时不会留下
// 部分余额变更。
package vault
