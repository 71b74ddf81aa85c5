package storage

import logx "scavenger/pkg/logx"

func loggerForTest() logx.Logger { return logx.Nop() }
