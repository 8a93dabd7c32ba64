// 版权所有 2024 MemFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库打开与连接池管理。

# 概述

本包按配置选择驱动（sqlite/postgres/mysql）打开数据库，封装
GORM 与 database/sql 的连接池配置，统一管理连接生命周期。
后台健康检查定时探活，异常时通过 zap 日志输出诊断信息。

# 核心类型

  - Manager：连接管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。

# 主要能力

  - 驱动选择：sqlite 使用纯 Go 驱动，便于本地与测试环境零依赖运行。
  - 连接池调优：通过 MaxIdleConns/MaxOpenConns/ConnMaxLifetime 精细控制。
  - 健康检查：后台定时 PingContext 探活，输出连接数与空闲数。
*/
package database
