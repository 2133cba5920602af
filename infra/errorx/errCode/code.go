package errCode

// 错误码定义, 数值分段: 1xx 输入类, 2xx 数值类
type Code int

const (
	EMPTY_VALUE   Code = 101 // 输入为空
	INVALID_VALUE Code = 102 // 参数非法
	DIM_MISMATCH  Code = 103 // 维度不匹配
	NUMERIC_ERROR Code = 201 // 数值异常(NaN/Inf/非正定)
)

func (c Code) String() string {
	switch c {
	case EMPTY_VALUE:
		return "EMPTY_VALUE"
	case INVALID_VALUE:
		return "INVALID_VALUE"
	case DIM_MISMATCH:
		return "DIM_MISMATCH"
	case NUMERIC_ERROR:
		return "NUMERIC_ERROR"
	}
	return "UNKNOWN"
}
