package domain

// Rating 数据源评分
type Rating struct {
	FeedID  string `json:"feedId"`
	Rater   string `json:"rater"`
	Stars   uint8  `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// Validate 星级必须在 1-5 之间，评分人地址可选
func (r *Rating) Validate() error {
	if r.Stars < 1 || r.Stars > 5 {
		return Validation("Invalid rating (must be 1-5)")
	}
	if r.Rater == "" {
		return nil
	}
	return ValidateAddress(r.Rater)
}
