// Package api 暴露引擎的 REST 接口：账本、质押、联合曲线、治理、
// 任务完成上报与指标。金额一律以十进制字符串传输。
//
// 铸造、转账、销毁与曲线买卖必须携带 reference，它是请求的幂等键：
// 相同载荷与相同 reference 的重复请求返回 409 DUPLICATE_TRANSACTION。
package api
