package store

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// incrementField 对 JSON 对象中的整型字段加一，返回新文档和新值
// 各后端在 CAS 循环里调用它，所以必须是纯函数
func incrementField(doc []byte, field string) ([]byte, int64, error) {
	obj := map[string]json.RawMessage{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &obj); err != nil {
			return nil, 0, fmt.Errorf("increment %s: document is not a JSON object: %w", field, err)
		}
	}
	var cur int64
	if raw, ok := obj[field]; ok {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("increment %s: field is not an integer: %w", field, err)
		}
		cur = n
	}
	next := cur + 1
	obj[field] = json.RawMessage(strconv.FormatInt(next, 10))
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, 0, err
	}
	return out, next, nil
}

// appendUnique 向 JSON 字符串数组追加 value (已存在则不变)
func appendUnique(doc []byte, value string) ([]byte, []string, bool, error) {
	list, err := decodeList(doc)
	if err != nil {
		return nil, nil, false, err
	}
	for _, v := range list {
		if v == value {
			return doc, list, false, nil
		}
	}
	list = append(list, value)
	out, err := json.Marshal(list)
	if err != nil {
		return nil, nil, false, err
	}
	return out, list, true, nil
}

func decodeList(doc []byte) ([]string, error) {
	if len(doc) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(doc, &list); err != nil {
		return nil, fmt.Errorf("list is not a JSON string array: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}
